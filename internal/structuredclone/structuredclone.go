// Package structuredclone implements structuredClone(x): for x in
// {plain object, URLSearchParams, Blob} it yields a value with the same
// shape and bytes, with x !== clone, restricted
// to the value shapes the core's invariants exercise rather than full
// structured-clone fidelity. internal/globals is
// responsible for converting goja values to/from the plain-Go
// representation this package clones (map[string]any, []any, primitives,
// url.Values, blobstore.Blob), keeping this package independent of the
// JS engine.
package structuredclone

import (
	"fmt"
	"net/url"

	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/domexception"
)

// Clone performs a deep copy of v, returning a value with the same shape
// but no aliasing to v's mutable parts. Unsupported types produce a
// DOMException(DataCloneError).
func Clone(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, int, int64:
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			cloned, err := Clone(elem)
			if err != nil {
				return nil, err
			}
			out[i] = cloned
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			cloned, err := Clone(elem)
			if err != nil {
				return nil, err
			}
			out[k] = cloned
		}
		return out, nil
	case url.Values:
		out := make(url.Values, len(val))
		for k, vs := range val {
			cp := make([]string, len(vs))
			copy(cp, vs)
			out[k] = cp
		}
		return out, nil
	case blobstore.Blob:
		cp := make([]byte, len(val.Bytes))
		copy(cp, val.Bytes)
		return blobstore.Blob{Bytes: cp, Type: val.Type, Name: val.Name}, nil
	default:
		return nil, domexception.New(domexception.DataCloneError, fmt.Sprintf("value of type %T could not be cloned", v))
	}
}
