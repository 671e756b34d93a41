// Package monitor validates inbound payment requests against a JSON schema
// before they reach the flow machine.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// StartRequestSchema is the contract for the start-payment body.
const StartRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["amount", "currency"],
  "properties": {
    "providerId": { "type": "string", "minLength": 1 },
    "amount": { "type": "integer", "minimum": 1 },
    "currency": { "type": "string", "pattern": "^[A-Z]{3}$" },
    "method": { "type": "string" },
    "description": { "type": "string" },
    "returnUrl": { "type": "string" },
    "cancelUrl": { "type": "string" },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

// ContractMonitor validates request bodies against a compiled JSON schema.
type ContractMonitor struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewContractMonitor compiles the given schema document.
func NewContractMonitor(schema string) (*ContractMonitor, error) {
	loader := gojsonschema.NewStringLoader(schema)
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("error loading or compiling schema: %w", err)
	}
	return &ContractMonitor{schemaLoader: loader}, nil
}

// Validate checks the request body against the schema. It returns true if
// valid, or false and the list of validation errors.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	documentLoader := gojsonschema.NewBytesLoader(requestBody)
	result, err := gojsonschema.Validate(cm.schemaLoader, documentLoader)
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors joins validation errors into a single message.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
