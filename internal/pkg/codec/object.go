package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Object is a decoded JSON object whose fields are consumed one at a time.
// Whatever is left after the known fields are taken is the provider-specific
// remainder that codecs carry through verbatim.
type Object map[string]json.RawMessage

// DecodeObject parses data as a JSON object.
func DecodeObject(data []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errors.New("expected a JSON object")
	}
	return o, nil
}

// Has reports whether key is present and not yet taken.
func (o Object) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// IsNull reports whether key is present with a JSON null value.
func (o Object) IsNull(key string) bool {
	raw, ok := o[key]
	return ok && string(raw) == "null"
}

// Take decodes key into dst and removes it. A missing key leaves dst as is.
// Numbers landing in interface values stay json.Number.
func (o Object) Take(key string, dst any) error {
	raw, ok := o[key]
	if !ok {
		return nil
	}
	delete(o, key)
	if err := domain.UnmarshalJSON(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

// TakeRaw removes key and returns its raw value.
func (o Object) TakeRaw(key string) (json.RawMessage, bool) {
	raw, ok := o[key]
	if ok {
		delete(o, key)
	}
	return raw, ok
}

// Rest decodes the remaining fields. It returns nil when nothing is left.
func (o Object) Rest() (map[string]any, error) {
	if len(o) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(o))
	for k, raw := range o {
		var v any
		if err := domain.UnmarshalJSON(raw, &v); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Merge overlays known on a copy of extra. Known keys win.
func Merge(known, extra map[string]any) map[string]any {
	out := make(map[string]any, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return out
}

// Raw re-encodes v as a json.RawMessage, used for values decoded into any.
func Raw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
