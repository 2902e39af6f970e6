package event

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// notificationSchema describes the Event Grid envelope of a Key Vault event.
// Payload keys are checked for type only; presence of the required payload
// fields is checked after decoding so that PascalCase payloads are accepted.
const notificationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data"],
  "properties": {
    "id":              {"type": ["string", "null"]},
    "topic":           {"type": ["string", "null"]},
    "subject":         {"type": ["string", "null"]},
    "eventType":       {"type": ["string", "null"]},
    "dataVersion":     {"type": ["string", "null"]},
    "metadataVersion": {"type": ["string", "null"]},
    "eventTime":       {"type": ["string", "null"]},
    "data": {
      "type": "object",
      "properties": {
        "id":         {"type": ["string", "null"]},
        "vaultName":  {"type": ["string", "null"]},
        "objectType": {"type": ["string", "null"]},
        "objectName": {"type": ["string", "null"]},
        "version":    {"type": ["string", "null"]},
        "nbf":        {"type": ["null", "number", "string"]},
        "exp":        {"type": ["integer", "null"]}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(notificationSchema))
	})
	return schema, schemaErr
}

// schemaViolation is returned when the body is valid JSON that does not match
// the envelope schema.
type schemaViolation struct {
	field  string
	issues []string
}

func (v schemaViolation) Error() string {
	return strings.Join(v.issues, "; ")
}

func validateSchema(body []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile notification schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	v := schemaViolation{}
	for _, re := range result.Errors() {
		if v.field == "" {
			v.field = re.Field()
		}
		v.issues = append(v.issues, re.String())
	}
	return v
}
