package models

import (
	"fmt"
	"maps"

	"github.com/goccy/go-json"
)

// Patch is a set of column values keyed by their json names. Applying a patch
// is a shallow merge: listed keys replace the record's values, others stay.
type Patch map[string]any

// PatchOf returns every field of rec as a Patch.
func PatchOf[R any](rec R) (Patch, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", rec, err)
	}
	p := Patch{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %T fields: %w", rec, err)
	}
	return p, nil
}

// ApplyPatch returns a copy of rec with the fields in p merged over it.
func ApplyPatch[R any](rec R, p Patch) (R, error) {
	var out R
	base, err := PatchOf(rec)
	if err != nil {
		return out, err
	}
	maps.Copy(base, p)
	data, err := json.Marshal(base)
	if err != nil {
		return out, fmt.Errorf("failed to encode patch: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to apply patch to %T: %w", rec, err)
	}
	return out, nil
}

func (p Patch) Clone() Patch {
	return maps.Clone(p)
}

// Without returns a copy of p lacking keys.
func (p Patch) Without(keys ...string) Patch {
	out := maps.Clone(p)
	if out == nil {
		out = Patch{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func (p Patch) Has(key string) bool {
	_, ok := p[key]
	return ok
}
