package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Params is the opaque key→JSON-value mapping used for task configuration,
// attempt parameters, continuation state, reports, and error payloads. The
// scheduler core never interprets keys beyond the reserved ones it owns
// (_error, _check, _retry); everything else passes through to operators.
type Params map[string]any

// NewParams returns an empty, non-nil Params.
func NewParams() Params {
	return Params{}
}

// IsEmpty returns true for a nil or zero-length mapping.
func (p Params) IsEmpty() bool {
	return len(p) == 0
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Get returns the value for key, or an error if absent.
func (p Params) Get(key string) (any, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("parameter %q is required but not set", key)
	}
	return v, nil
}

// GetString returns a string value, or def if the key is absent or not a
// string.
func (p Params) GetString(key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}

// GetInt returns an integer value, tolerating the float64 form produced by
// JSON decoding. Returns def if absent or not numeric.
func (p Params) GetInt(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// GetParams returns a nested Params value. Returns an empty Params if the
// key is absent or not an object.
func (p Params) GetParams(key string) Params {
	switch v := p[key].(type) {
	case Params:
		return v
	case map[string]any:
		return Params(v)
	}
	return Params{}
}

// Merge overlays other onto a copy of p and returns the result. Values in
// other win; neither receiver nor argument are modified.
func (p Params) Merge(other Params) Params {
	merged := make(Params, len(p)+len(other))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Value implements driver.Valuer, storing the mapping as JSON text.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		p = Params{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return string(b), nil
}

// ParseParams decodes JSON text into Params. Empty input yields an empty
// mapping.
func ParseParams(text string) (Params, error) {
	if text == "" {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}
