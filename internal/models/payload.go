package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Fields is a decoded payload keyed by JSON field name.
type Fields map[string]json.RawMessage

// DecodeFields decodes an object payload. Empty input decodes to an empty map.
func DecodeFields(payload json.RawMessage) (Fields, error) {
	f := Fields{}
	if len(bytes.TrimSpace(payload)) == 0 || string(bytes.TrimSpace(payload)) == "null" {
		return f, nil
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return f, nil
}

// Encode marshals the fields back to a payload.
func (f Fields) Encode() (json.RawMessage, error) {
	return json.Marshal(map[string]json.RawMessage(f))
}

// Keys returns the field names, sorted.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Equal reports whether field name holds the same JSON value in both maps.
// A missing field equals only another missing field or null.
func (f Fields) Equal(other Fields, name string) bool {
	return jsonEqual(f[name], other[name])
}

func jsonEqual(a, b json.RawMessage) bool {
	if isNull(a) && isNull(b) {
		return true
	}
	if isNull(a) != isNull(b) {
		return false
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || string(t) == "null"
}

// ApplyPatch overlays every field of patch onto base.
func ApplyPatch(base, patch json.RawMessage) (json.RawMessage, error) {
	b, err := DecodeFields(base)
	if err != nil {
		return nil, err
	}
	p, err := DecodeFields(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range p {
		b[k] = v
	}
	return b.Encode()
}

// bookkeeping fields are rewritten by every edit and never count as an
// overlapping change.
var bookkeeping = map[string]bool{"id": true, "ownerId": true, "createdAt": true, "updatedAt": true, "memoCount": true}

// TrackedFields returns names minus bookkeeping fields, sorted and deduplicated.
func TrackedFields(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if bookkeeping[n] || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ChangedFields lists the fields whose values differ between base and other.
func ChangedFields(base, other json.RawMessage) ([]string, error) {
	b, err := DecodeFields(base)
	if err != nil {
		return nil, err
	}
	o, err := DecodeFields(other)
	if err != nil {
		return nil, err
	}
	var changed []string
	for k := range o {
		if !b.Equal(o, k) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := o[k]; !ok && !isNull(b[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}
