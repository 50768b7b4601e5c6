package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIfAbsentDoesNotClobber(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.CreateIfAbsent(ctx, "vin1", KindDevice, Metadata{Name: "My Truck"}))
	require.NoError(t, s.SetValue(ctx, "vin1", "online", true))
	require.NoError(t, s.CreateIfAbsent(ctx, "vin1", KindDevice, Metadata{Name: "Renamed"}))

	v, err := s.GetValue(ctx, "vin1")
	require.NoError(t, err)
	assert.Equal(t, "online", v.Val)
}

func TestGetValueAbsent(t *testing.T) {
	s := NewMemStore()
	_, err := s.GetValue(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.SetValue(ctx, "vin1.general.color", "blue", true))
	require.NoError(t, s.SetValue(ctx, "vin1.remote.doors/lock", false, false))
	require.NoError(t, s.SetValue(ctx, "vin2.general.color", "red", true))

	require.NoError(t, s.DeleteSubtree(ctx, "vin1"))

	_, err := s.GetValue(ctx, "vin1.general.color")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetValue(ctx, "vin2.general.color")
	assert.NoError(t, err)
}

func TestSubscribePrefixFiltering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var got []string
	cancel, err := s.Subscribe(ctx, "vin1.remote.", func(path string, v Value) {
		got = append(got, path)
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.SetValue(ctx, "vin1.remote.doors/lock", true, false))
	require.NoError(t, s.SetValue(ctx, "vin1.general.color", "blue", true))
	require.NoError(t, s.SetValue(ctx, "vin2.remote.doors/lock", true, false))

	assert.Equal(t, []string{"vin1.remote.doors/lock"}, got)

	cancel()
	require.NoError(t, s.SetValue(ctx, "vin1.remote.engine/start", true, false))
	assert.Len(t, got, 1)
}
