package config

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema constrains the shape of config.yaml. Kept permissive on
// unknown keys so older binaries tolerate newer config files.
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"db_path": {"type": "string"},
		"log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
		"poll_interval_seconds": {"type": "integer", "minimum": 1},
		"retention_days": {"type": "integer", "minimum": 1},
		"retention_schedule": {"type": "string"},
		"instruction_template": {"type": "string"},
		"export": {
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"args": {"type": "array", "items": {"type": "string"}},
				"timeout_seconds": {"type": "integer", "minimum": 1}
			}
		},
		"roles": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"command": {"type": "string", "minLength": 1},
					"args": {"type": "array", "items": {"type": "string"}},
					"timeout_seconds": {"type": "integer", "minimum": 1}
				},
				"required": ["command"]
			}
		},
		"otel": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none", ""]},
				"endpoint": {"type": "string"},
				"service_name": {"type": "string"},
				"sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			panic("config: embedded schema is not valid JSON: " + err.Error())
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			panic("config: add schema resource: " + err.Error())
		}
		schema = c.MustCompile("config.schema.json")
	})
	return schema
}
