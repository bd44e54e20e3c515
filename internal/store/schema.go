package store

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema/session.schema.json
var sessionSchemaJSON []byte

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func loadRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		recordSchema, recordSchemaErr = compiler.Compile(sessionSchemaJSON)
		if recordSchemaErr != nil {
			recordSchemaErr = fmt.Errorf("compile session schema: %w", recordSchemaErr)
		}
	})
	return recordSchema, recordSchemaErr
}

// validateRecord checks raw record bytes against the session schema.
func validateRecord(data []byte) error {
	schema, err := loadRecordSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
