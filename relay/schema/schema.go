// Package schema validates inbound JSON bodies against embedded JSON schemas.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks documents against one compiled schema.
type Validator struct {
	name   string
	schema *gojsonschema.Schema
}

// New compiles a schema.
func New(name string, schema []byte) (*Validator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

// Validate checks that data is JSON and conforms to the schema. All
// violations are reported in one error.
func (v *Validator) Validate(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s: body is not valid JSON", v.name)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%s: schema validation failed: %w", v.name, err)
	}

	if !result.Valid() {
		var violations []string
		for _, e := range result.Errors() {
			violations = append(violations, e.String())
		}
		return fmt.Errorf("%s: schema validation errors: %s", v.name, strings.Join(violations, "; "))
	}

	return nil
}

func load(name string) func() (*Validator, error) {
	return sync.OnceValues(func() (*Validator, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, err
		}
		return New(name, raw)
	})
}

var (
	// Webhook validates WhatsApp webhook notifications.
	Webhook = load("webhook")
	// Dispatch validates {"contactId","messageId"} processor bodies.
	Dispatch = load("dispatch")
)
