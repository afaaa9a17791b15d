package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema catches structural mistakes (wrong types, unknown keys,
// malformed durations) before decoding. Cross-field rules live in Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "listen_addr": {"type": "string"},
    "calendar": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "scope": {"type": "string"},
        "credentials_file": {"type": "string"},
        "past_window_days": {"type": "integer", "minimum": 1},
        "future_window_days": {"type": "integer", "minimum": 1}
      }
    },
    "channel": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "webhook_url": {"type": "string"},
        "token": {"type": "string"},
        "ttl": {"$ref": "#/$defs/duration"},
        "renewal_window": {"$ref": "#/$defs/duration"},
        "check_interval": {"$ref": "#/$defs/duration"}
      }
    },
    "sync": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "poll_interval": {"$ref": "#/$defs/duration"},
        "poll_grace": {"$ref": "#/$defs/duration"},
        "job_budget": {"$ref": "#/$defs/duration"},
        "call_timeout": {"$ref": "#/$defs/duration"},
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_base_delay": {"$ref": "#/$defs/duration"},
        "retry_max_delay": {"$ref": "#/$defs/duration"},
        "skew_tolerance": {"$ref": "#/$defs/duration"}
      }
    },
    "stream": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "ring_size": {"type": "integer", "minimum": 1},
        "subscriber_buffer": {"type": "integer", "minimum": 1},
        "heartbeat_interval": {"$ref": "#/$defs/duration"}
      }
    },
    "store": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": {"type": "string", "enum": ["memory", "postgres"]},
        "dsn": {"type": "string"}
      }
    },
    "log": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    }
  },
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|ms|s|m|h)([0-9]+(ns|us|ms|s|m|h))*$"
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			panic(fmt.Sprintf("config: bad embedded schema: %v", err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schedsync-config.json", doc); err != nil {
			panic(fmt.Sprintf("config: add schema resource: %v", err))
		}
		compiled, err := compiler.Compile("schedsync-config.json")
		if err != nil {
			panic(fmt.Sprintf("config: compile schema: %v", err))
		}
		schemaCompiled = compiled
	})
	return schemaCompiled
}
