package statussync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The vendor wraps status payloads inconsistently: sometimes the document
// arrives bare, sometimes under a single wrapper key, sometimes as an error
// envelope. Normalization happens exactly once at this boundary; everything
// downstream sees a bare status document.

// ErrErrorEnvelope signals the payload was a vendor error envelope.
var ErrErrorEnvelope = errors.New("statussync: vendor error envelope")

// ErrUnknownShape signals a payload that is neither a status document nor a
// recognized wrapper. Callers log and drop it.
var ErrUnknownShape = errors.New("statussync: unrecognized payload shape")

// Normalize decodes raw JSON and unwraps at most one single-key wrapper
// layer. "_data" is the push channel's wrapper; "_error" is the vendor error
// envelope; any other single wrapper key around an object is stripped too.
func Normalize(raw []byte) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, err)
	}
	return NormalizeDoc(doc)
}

// statusRoots are the top-level keys a bare status document may carry. A
// single-key object whose key is one of these is a real document, not a
// wrapper around one.
var statusRoots = map[string]bool{
	"metrics":    true,
	"states":     true,
	"events":     true,
	"messages":   true,
	"updateTime": true,
}

// NormalizeDoc is Normalize for an already-decoded document.
func NormalizeDoc(doc any) (map[string]any, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, ErrUnknownShape
	}
	if len(obj) == 1 {
		for key, inner := range obj {
			if key == "_error" {
				return nil, fmt.Errorf("%w: %v", ErrErrorEnvelope, inner)
			}
			if statusRoots[key] {
				return obj, nil
			}
			if wrapped, ok := inner.(map[string]any); ok {
				return wrapped, nil
			}
		}
	}
	return obj, nil
}
