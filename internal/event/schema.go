package event

import (
	_ "embed"
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed event.schema.json
var eventSchema string

// Validator checks decoded JSON documents against the event schema before
// they are converted to an Event.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("event.schema.json", strings.NewReader(eventSchema)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, err
	}
	return &Validator{schema: s}, nil
}

// Event validates doc (a value produced by encoding/json) and converts it.
func (v *Validator) Event(doc any) (Event, error) {
	if err := v.schema.Validate(doc); err != nil {
		return Event{}, schemaError(err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Event{}, &ValidationError{Reason: err.Error()}
	}
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, &ValidationError{Reason: err.Error()}
	}
	return e, nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	return &ValidationError{Field: field, Reason: ve.Message}
}
