package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// UnmarshalJSON decodes data into v keeping numbers held in interface values
// as json.Number, so integers beyond 2^53 survive a decode and re-encode.
// Trailing data after the first value is an error, as with json.Unmarshal.
func UnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid character after top-level value")
	}
	return nil
}
