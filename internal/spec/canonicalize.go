package spec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// Canonicalize returns the canonical JSON representation of the env used for
// hashing. Empty fields are omitted and config never takes part.
func Canonicalize(env *RuntimeEnv) ([]byte, error) {
	data, err := json.Marshal(sortKeys(canonicalMap(env)))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFingerprintFail, "canonicalize runtime env", err)
	}
	return data, nil
}

// Hash computes the blake3 fingerprint of a canonicalized env.
func Hash(env *RuntimeEnv) (string, error) {
	canonical, err := Canonicalize(env)
	if err != nil {
		return "", err
	}

	hasher := blake3.New()
	if _, err := hasher.Write(canonical); err != nil {
		return "", fmt.Errorf("hash runtime env: %w", err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Fingerprint parses input in either form and returns its hash.
func Fingerprint(input any) (string, error) {
	env, err := Parse(input)
	if err != nil {
		return "", err
	}
	return Hash(env)
}

// ToMap renders the env in loose form, config included. The result shares no
// memory with e.
func (e *RuntimeEnv) ToMap() map[string]any {
	m := canonicalMap(e)
	if e != nil && e.Config != nil {
		cfg := map[string]any{
			FieldSetupTimeoutSeconds: e.Config.SetupTimeoutSeconds,
			FieldEagerInstall:        e.Config.EagerInstall,
		}
		if len(e.Config.LogFiles) > 0 {
			cfg[FieldLogFiles] = toAnyList(e.Config.LogFiles)
		}
		m[FieldConfig] = cfg
	}
	return m
}

func canonicalMap(env *RuntimeEnv) map[string]any {
	data := make(map[string]any)
	if env == nil {
		return data
	}

	if env.Pip != nil {
		pip := map[string]any{
			"packages": toAnyList(env.Pip.Packages),
		}
		if env.Pip.PipCheck {
			pip["pip_check"] = true
		}
		if env.Pip.PipVersion != "" {
			pip["pip_version"] = env.Pip.PipVersion
		}
		data[FieldPip] = pip
	}

	if env.Conda != nil {
		if env.Conda.EnvName != "" {
			data[FieldConda] = env.Conda.EnvName
		} else {
			conda := map[string]any{
				"dependencies": toAnyList(env.Conda.Dependencies),
			}
			if len(env.Conda.Channels) > 0 {
				conda["channels"] = toAnyList(env.Conda.Channels)
			}
			if env.Conda.Name != "" {
				conda["name"] = env.Conda.Name
			}
			data[FieldConda] = conda
		}
	}

	if len(env.EnvVars) > 0 {
		vars := make(map[string]any, len(env.EnvVars))
		for k, v := range env.EnvVars {
			vars[k] = v
		}
		data[FieldEnvVars] = vars
	}

	if env.WorkingDir != "" {
		data[FieldWorkingDir] = env.WorkingDir
	}
	if env.ImageURI != "" {
		data[FieldImageURI] = env.ImageURI
	}

	for k, v := range env.Extra {
		data[k] = DeepCopy(v)
	}

	return data
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// normalizeValue converts a decoded extra field into plain JSON-shaped values.
func normalizeValue(path string, v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, json.Number:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeValue(path+"."+k, item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				return nil, errors.NewInvalidSpecError("field %s has a non-string key %v", path, k)
			}
			n, err := normalizeValue(path+"."+key, item)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		return toAnyList(val), nil
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil
	}
	return nil, errors.NewInvalidSpecError("field %s has unsupported type %T", path, v)
}

// sortKeys recursively sorts map keys for stable JSON output
func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(map[string]any, len(val))
		for _, k := range keys {
			sorted[k] = sortKeys(val[k])
		}
		return sorted

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out

	default:
		return v
	}
}
