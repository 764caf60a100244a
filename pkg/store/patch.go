package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerTimestamp is a placeholder value resolved to the store's clock, in
// Unix milliseconds, when a patch is applied.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// Patch is a shallow, field-level merge.
//
// Set fields are last-writer-wins. Union and Remove add or delete keys of
// nested set-like maps (key -> true). IfEmpty fields are written only when
// the map named by Guard has no keys after Union and Remove ran.
type Patch struct {
	Set     map[string]any      `json:"set,omitempty"`
	Union   map[string][]string `json:"union,omitempty"`
	Remove  map[string][]string `json:"remove,omitempty"`
	Guard   string              `json:"guard,omitempty"`
	IfEmpty map[string]any      `json:"ifEmpty,omitempty"`
}

// ApplyPatch merges p into the JSON object doc and returns the new
// document. A nil doc is treated as an empty object.
func ApplyPatch(doc []byte, p Patch, now time.Time) ([]byte, error) {
	obj := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
	}

	for k, v := range p.Set {
		obj[k] = resolve(v, now)
	}
	for field, keys := range p.Union {
		set := setField(obj, field)
		for _, k := range keys {
			set[k] = true
		}
		obj[field] = set
	}
	for field, keys := range p.Remove {
		set := setField(obj, field)
		for _, k := range keys {
			delete(set, k)
		}
		obj[field] = set
	}
	if p.Guard != "" && len(setField(obj, p.Guard)) == 0 {
		for k, v := range p.IfEmpty {
			obj[k] = resolve(v, now)
		}
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

func setField(obj map[string]any, field string) map[string]any {
	if m, ok := obj[field].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func resolve(v any, now time.Time) any {
	if isServerTimestamp(v) {
		return now.UnixMilli()
	}
	return v
}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	return m[".sv"] == "timestamp"
}
