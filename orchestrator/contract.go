package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiSpec []byte

const callbackSchemaName = "NodeExecutionCallback"

// contract validates request bodies against the published OpenAPI document.
type contract struct {
	callback *openapi3.Schema
}

func loadContract(ctx context.Context) (*contract, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi: %w", err)
	}
	ref, ok := doc.Components.Schemas[callbackSchemaName]
	if !ok || ref == nil || ref.Value == nil {
		return nil, fmt.Errorf("openapi: schema %s is missing", callbackSchemaName)
	}
	return &contract{callback: ref.Value}, nil
}

func (c *contract) validateCallback(body []byte) error {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if _, ok := value.(map[string]any); !ok {
		return errors.New("body must be a JSON object")
	}
	return c.callback.VisitJSON(value)
}
