// Package codec converts events and Petri nets to and from the text form
// exchanged with the miner process: one compact JSON document per value.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dapm/minerop/internal/model"

	"github.com/tidwall/gjson"
)

var ErrMalformed = errors.New("malformed payload")

// EncodeEvent returns e as a single line of JSON. Attribute values JSON
// can't carry (NaN, channels, ...) fail with ErrMalformed.
func EncodeEvent(e model.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: encoding event %s/%s: %w", ErrMalformed, e.CaseID, e.Activity, err)
	}
	return string(b), nil
}

func DecodeEvent(s string) (model.Event, error) {
	var e model.Event
	if err := decode(s, &e); err != nil {
		return model.Event{}, err
	}
	if e.CaseID == "" || e.Activity == "" {
		return model.Event{}, fmt.Errorf("%w: event without case id or activity", ErrMalformed)
	}
	return e, nil
}

// EncodeNet returns n as a single line of JSON.
func EncodeNet(n model.PetriNet) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("%w: encoding petri net: %w", ErrMalformed, err)
	}
	return string(b), nil
}

// DecodeNet parses and validates a Petri net. The input may span several
// lines.
func DecodeNet(s string) (model.PetriNet, error) {
	var n model.PetriNet
	if err := decode(s, &n); err != nil {
		return model.PetriNet{}, err
	}
	if err := n.Validate(); err != nil {
		return model.PetriNet{}, err
	}
	return n, nil
}

func decode(s string, v any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if !gjson.Valid(s) {
		return fmt.Errorf("%w: not a JSON document", ErrMalformed)
	}
	// json.Unmarshal takes null into a struct without complaint
	if !gjson.Parse(s).IsObject() {
		return fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
