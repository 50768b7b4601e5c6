package flatten

import (
	"bytes"
	"encoding/json"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfordpass/bridge/internal/log"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func paths(leaves []Leaf) []string {
	out := make([]string, 0, len(leaves))
	for _, l := range leaves {
		out = append(out, l.Path)
	}
	sort.Strings(out)
	return out
}

func TestFlattenNested(t *testing.T) {
	doc := decode(t, `{
		"metrics": {
			"batteryVoltage": {"value": 12.4, "updateTime": "2024-01-01T00:00:00Z"},
			"doorLockStatus": [{"value": "LOCKED", "vehicleDoor": "ALL_DOORS"}]
		},
		"online": true
	}`)
	leaves := Default{}.Flatten("metrics_root", doc)
	assert.ElementsMatch(t, []string{
		"metrics_root.metrics.batteryVoltage.value",
		"metrics_root.metrics.batteryVoltage.updateTime",
		"metrics_root.metrics.doorLockStatus.0.value",
		"metrics_root.metrics.doorLockStatus.0.vehicleDoor",
		"metrics_root.online",
	}, paths(leaves))

	for _, l := range leaves {
		if l.Path == "metrics_root.metrics.batteryVoltage.value" {
			assert.Equal(t, 12.4, l.Val)
		}
	}
}

func TestFlattenSanitizesDottedKeys(t *testing.T) {
	doc := decode(t, `{"a.b": {"c": 1}}`)
	leaves := Default{}.Flatten("", doc)
	require.Len(t, leaves, 1)
	assert.Equal(t, "a_b.c", leaves[0].Path)
}

func TestFlattenDepthBound(t *testing.T) {
	doc := decode(t, `{"a": {"b": {"c": {"d": 1}}}}`)
	leaves := Default{MaxDepth: 2}.Flatten("", doc)
	require.Len(t, leaves, 1)
	assert.Equal(t, "a.b", leaves[0].Path)
	assert.IsType(t, "", leaves[0].Val)
}

func TestFlattenDepthBoundLogsDroppedSubtree(t *testing.T) {
	var buf bytes.Buffer
	log.SetLogger(zerolog.New(&buf))
	log.SetLevel(log.LevelDebug)
	t.Cleanup(func() {
		log.SetLogger(zerolog.Nop())
		log.SetLevel(log.LevelError)
	})

	doc := decode(t, `{"a": {"b": {"c": {"d": 1}}}}`)
	Default{MaxDepth: 2}.Flatten("", doc)
	assert.Contains(t, buf.String(), "depth limit reached at a.b")
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "boolean", TypeOf(true))
	assert.Equal(t, "number", TypeOf(12.0))
	assert.Equal(t, "string", TypeOf("x"))
	assert.Equal(t, "json", TypeOf(map[string]any{}))
}
