package docstore

import (
	"encoding/json"
	"slices"
)

// Indexes is the set of queryable fields a store was configured with.
type Indexes []Index

// Has reports whether q targets an indexed field.
func (ix Indexes) Has(q Query) bool {
	return slices.Contains(ix, Index{Collection: q.Collection, Field: q.Field})
}

// Values extracts the indexed top-level string fields of a document body.
// Missing or non-string fields are left out.
func (ix Indexes) Values(collection string, data []byte) map[string]string {
	var fields map[string]json.RawMessage
	out := make(map[string]string)
	for _, idx := range ix {
		if idx.Collection != collection {
			continue
		}
		if fields == nil {
			if err := json.Unmarshal(data, &fields); err != nil {
				return out
			}
		}
		raw, ok := fields[idx.Field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			continue
		}
		out[idx.Field] = s
	}
	return out
}

// Marshal encodes a value passed to Tx.Set or ArrayAppend. Raw JSON is
// passed through untouched.
func Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(v)
}
