package spec

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// LoadFile reads a runtime env from a JSON or YAML file. Files ending in .json
// are decoded as JSON; everything else is treated as YAML.
func LoadFile(path string) (*RuntimeEnv, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewSpecNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read runtime env file", err)
	}

	raw, err := Decode(data, formatOf(path))
	if err != nil {
		return nil, errors.NewFileUnmarshalError(path, formatOf(path), err)
	}
	return Parse(raw)
}

// Decode turns JSON or YAML bytes into the loose form. JSON numbers are kept
// as json.Number so integer and float literals stay distinguishable.
func Decode(data []byte, format string) (map[string]any, error) {
	var raw map[string]any

	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	return raw, nil
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}
