package statussync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBareDocument(t *testing.T) {
	doc, err := Normalize([]byte(`{"metrics": {"odometer": {"value": 1234}}, "states": {}}`))
	require.NoError(t, err)
	assert.Contains(t, doc, "metrics")
}

func TestNormalizeSingleStatusRootStaysBare(t *testing.T) {
	doc, err := Normalize([]byte(`{"metrics": {"odometer": {"value": 1234}}}`))
	require.NoError(t, err)
	assert.Contains(t, doc, "metrics")
}

func TestNormalizeUnwrapsWrapper(t *testing.T) {
	doc, err := Normalize([]byte(`{"_data": {"metrics": {"odometer": {"value": 1234}}}}`))
	require.NoError(t, err)
	assert.Contains(t, doc, "metrics")
}

func TestNormalizeErrorEnvelope(t *testing.T) {
	_, err := Normalize([]byte(`{"_error": {"code": "UPSTREAM_TIMEOUT"}}`))
	assert.ErrorIs(t, err, ErrErrorEnvelope)
}

func TestNormalizeUnknownShape(t *testing.T) {
	_, err := Normalize([]byte(`[1, 2, 3]`))
	assert.ErrorIs(t, err, ErrUnknownShape)

	_, err = Normalize([]byte(`not json`))
	assert.ErrorIs(t, err, ErrUnknownShape)
}
