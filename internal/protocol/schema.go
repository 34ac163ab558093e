package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "https://deploysync.invalid/envelope.schema.json"

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("protocol: parse envelope schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, document); err != nil {
			envelopeSchemaErr = fmt.Errorf("protocol: load envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeSchemaErr
}

// Validate checks a raw frame against the envelope schema.
func Validate(raw []byte) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
