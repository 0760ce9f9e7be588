package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names, derived from the embedded file names without the version suffix.
const (
	SchemaPakasirWebhook = "pakasir_webhook"
	SchemaValidateKey    = "validate_key"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect payloads rejected by a schema.
var ErrValidation = errors.New("validation failed")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded *.json schema. A file named
// pakasir_webhook.v1.json is registered as "pakasir_webhook".
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		name = strings.TrimSuffix(name, ".v1")
		data, err := fs.ReadFile(schemaFS, path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://keyservice.inaiurai.dev/schemas/" + e.Name()
		schemas[name], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate hard-rejects raw when it is not JSON or does not match the named schema.
func (v *Validator) Validate(name string, raw []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
