// Package flatten turns nested JSON documents into dot-separated key paths so
// vendor status payloads can be written leaf-by-leaf into the state tree.
package flatten

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfordpass/bridge/internal/log"
)

// Leaf is one flattened value. Path segments are joined with ".", array
// indices appear as numeric segments.
type Leaf struct {
	Path string
	Val  any
}

// Flattener converts a decoded JSON document into leaves. The bridge only
// depends on this interface; hosts may substitute their own traversal rules.
type Flattener interface {
	Flatten(prefix string, doc any) []Leaf
}

// Default walks maps and slices depth-first and emits every scalar as a leaf.
// Keys containing "." are sanitized to "_" so they cannot fork the tree.
type Default struct {
	// MaxDepth bounds recursion; deeper subtrees are emitted as a single
	// stringified leaf. Zero means 16.
	MaxDepth int
}

func (d Default) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return 16
}

func (d Default) Flatten(prefix string, doc any) []Leaf {
	var out []Leaf
	d.walk(prefix, doc, 0, &out)
	return out
}

func (d Default) walk(path string, v any, depth int, out *[]Leaf) {
	switch t := v.(type) {
	case map[string]any:
		if depth >= d.maxDepth() {
			log.Debug("flatten: depth limit reached at %s, stringifying subtree", path)
			*out = append(*out, Leaf{Path: path, Val: fmt.Sprintf("%v", t)})
			return
		}
		for k, child := range t {
			d.walk(join(path, sanitize(k)), child, depth+1, out)
		}
	case []any:
		if depth >= d.maxDepth() {
			log.Debug("flatten: depth limit reached at %s, stringifying subtree", path)
			*out = append(*out, Leaf{Path: path, Val: fmt.Sprintf("%v", t)})
			return
		}
		for i, child := range t {
			d.walk(join(path, strconv.Itoa(i)), child, depth+1, out)
		}
	default:
		if path == "" {
			return
		}
		*out = append(*out, Leaf{Path: path, Val: v})
	}
}

func join(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

func sanitize(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// TypeOf maps a leaf value onto the state metadata type vocabulary.
func TypeOf(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case nil:
		return "string"
	default:
		return "json"
	}
}
