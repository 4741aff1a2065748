package validate

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates an object (already converted to JSON) with the given schema.
func ValidateJSON(obj any, schemaSrc string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", bytesReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	return sch.Validate(obj)
}

// ValidateConfigMap validates a decoded devloop config file. Values are
// normalized through JSON first so TOML integers and dates compare like
// their JSON counterparts.
func ValidateConfigMap(m map[string]any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	return ValidateJSON(doc, configSchema)
}

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var configSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "additionalProperties":false,
  "$defs":{
    "duration":{"type":"string","pattern":"` + durationPattern + `"},
    "strings":{"type":"array","items":{"type":"string"}}
  },
  "properties":{
    "state_dir":{"type":"string"},
    "restart":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "enabled":{"type":"boolean"},
        "urls":{"$ref":"#/$defs/strings"},
        "poll_interval":{"$ref":"#/$defs/duration"},
        "quiet_period":{"$ref":"#/$defs/duration"},
        "exclude":{"$ref":"#/$defs/strings"},
        "additional_exclude":{"$ref":"#/$defs/strings"},
        "additional_paths":{"$ref":"#/$defs/strings"},
        "trigger_file":{"type":"string"},
        "force_reference_cleanup":{"type":"boolean"},
        "snapshot_state":{"type":"string","enum":["none","memory","file"]},
        "notify":{"type":"boolean"},
        "content_hash":{"type":"boolean"}
      }
    },
    "server":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "addr":{"type":"string"},
        "shutdown":{"type":"string","enum":["graceful","immediate"]},
        "grace_period":{"$ref":"#/$defs/duration"},
        "root":{"type":"string"}
      }
    },
    "remote":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "url":{"type":"string"},
        "secret":{"type":"string"},
        "secret_file":{"type":"string"},
        "retry_wait":{"$ref":"#/$defs/duration"}
      }
    },
    "events":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "nats_url":{"type":"string"},
        "mqtt_broker":{"type":"string"},
        "subject_prefix":{"type":"string"}
      }
    },
    "log":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "level":{"type":"string","enum":["trace","debug","info","warn","error"]},
        "format":{"type":"string","enum":["console","json"]}
      }
    },
    "runtime":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "open_files":{"type":"integer","minimum":0}
      }
    },
    "api":{
      "type":"object",
      "additionalProperties":false,
      "properties":{
        "addr":{"type":"string"}
      }
    }
  }
}`

// Helper to provide io.ReadSeeker from string for jsonschema compiler
func bytesReader(s string) *bytesReaderT { return &bytesReaderT{b: []byte(s)} }

type bytesReaderT struct {
	b []byte
	i int64
}

func (r *bytesReaderT) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.i:])
	r.i += int64(n)
	if r.i >= int64(len(r.b)) {
		return n, io.EOF
	}
	return n, nil
}

func (r *bytesReaderT) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.i = off
	case io.SeekCurrent:
		r.i += off
	case io.SeekEnd:
		r.i = int64(len(r.b)) + off
	}
	if r.i < 0 {
		r.i = 0
	}
	if r.i > int64(len(r.b)) {
		r.i = int64(len(r.b))
	}
	return r.i, nil
}
