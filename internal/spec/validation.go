package spec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// NewConfig builds a validated Config with the given setup timeout and default
// values for the remaining fields.
func NewConfig(setupTimeoutSeconds int) (Config, error) {
	cfg := DefaultConfig()
	cfg.SetupTimeoutSeconds = setupTimeoutSeconds
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies the semantic config rules shared by every construction path.
func (c Config) Validate() error {
	if c.SetupTimeoutSeconds == 0 {
		return errors.NewConfigValidationError("%s must not be 0", FieldSetupTimeoutSeconds)
	}
	if c.SetupTimeoutSeconds < NoSetupTimeout {
		return errors.NewConfigValidationError("%s must be -1 or greater than 0, got %d",
			FieldSetupTimeoutSeconds, c.SetupTimeoutSeconds)
	}
	if int64(c.SetupTimeoutSeconds) > MaxSetupTimeoutSeconds {
		return errors.NewConfigValidationError("%s must be at most %d, got %d",
			FieldSetupTimeoutSeconds, MaxSetupTimeoutSeconds, c.SetupTimeoutSeconds)
	}
	for i, path := range c.LogFiles {
		if strings.TrimSpace(path) == "" {
			return errors.NewConfigValidationError("%s[%d] must not be empty", FieldLogFiles, i)
		}
	}
	return nil
}

// ParseConfig accepts a loose mapping, a Config or a *Config and returns a
// validated Config. Missing fields take their defaults.
func ParseConfig(input any) (Config, error) {
	switch v := input.(type) {
	case nil:
		return DefaultConfig(), nil
	case Config:
		if err := v.Validate(); err != nil {
			return Config{}, err
		}
		return v.Clone(), nil
	case *Config:
		if v == nil {
			return DefaultConfig(), nil
		}
		return ParseConfig(*v)
	case map[string]any:
		return configFromMap(v)
	default:
		return Config{}, errors.NewConfigValidationError("config must be a mapping, got %T", input)
	}
}

func configFromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig()

	for key, raw := range m {
		switch key {
		case FieldSetupTimeoutSeconds:
			n, err := strictInt(raw)
			if err != nil {
				return Config{}, errors.NewConfigValidationError("%s: %v", FieldSetupTimeoutSeconds, err)
			}
			cfg.SetupTimeoutSeconds = n
		case FieldEagerInstall:
			b, ok := raw.(bool)
			if !ok {
				return Config{}, errors.NewConfigValidationError("%s must be a bool, got %T", FieldEagerInstall, raw)
			}
			cfg.EagerInstall = b
		case FieldLogFiles:
			files, err := stringList(raw)
			if err != nil {
				return Config{}, errors.NewConfigValidationError("%s: %v", FieldLogFiles, err)
			}
			cfg.LogFiles = files
		default:
			return Config{}, errors.NewConfigValidationError("unknown config field %q", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// strictInt accepts Go integer kinds and integer JSON literals only.
// Floats are rejected even when integral, and so are numeric strings.
func strictInt(v any) (int, error) {
	if n, ok := v.(json.Number); ok {
		s := n.String()
		if strings.ContainsAny(s, ".eE") {
			return 0, fmt.Errorf("must be an int, got float %s", s)
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("must be an int, got %s", s)
		}
		return i, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < math.MinInt || i > math.MaxInt {
			return 0, fmt.Errorf("must fit in an int, got %d", i)
		}
		return int(i), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt {
			return 0, fmt.Errorf("must fit in an int, got %d", u)
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		return 0, fmt.Errorf("must be an int, got float %v", rv.Float())
	case reflect.Invalid:
		return 0, fmt.Errorf("must be an int, got null")
	default:
		return 0, fmt.Errorf("must be an int, got %T", v)
	}
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return cloneStrings(list), nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entry %d must be a string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of strings, got %T", v)
	}
}

// Validate checks the typed env. The loose form is converted to a RuntimeEnv
// and then validated here too.
func (e *RuntimeEnv) Validate() error {
	if e == nil {
		return nil
	}

	if e.Pip != nil && e.Conda != nil {
		return errors.NewInvalidSpecError("the %q and %q fields cannot both be specified", FieldPip, FieldConda)
	}

	if e.Pip != nil {
		for i, pkg := range e.Pip.Packages {
			if strings.TrimSpace(pkg) == "" {
				return errors.NewInvalidSpecError("%s package %d must not be empty", FieldPip, i)
			}
		}
	}

	if e.Conda != nil {
		c := e.Conda
		if c.EnvName != "" && (c.Name != "" || len(c.Channels) > 0 || len(c.Dependencies) > 0) {
			return errors.NewInvalidSpecError("%s must be either an environment name or an environment definition", FieldConda)
		}
		if c.EnvName == "" && len(c.Dependencies) == 0 {
			return errors.NewInvalidSpecError("%s environment definition needs at least one dependency", FieldConda)
		}
		for i, dep := range c.Dependencies {
			if strings.TrimSpace(dep) == "" {
				return errors.NewInvalidSpecError("%s dependency %d must not be empty", FieldConda, i)
			}
		}
	}

	for key := range e.EnvVars {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewInvalidSpecError("%s contains an invalid variable name %q", FieldEnvVars, key)
		}
	}

	if e.ImageURI != "" {
		if _, err := name.ParseReference(e.ImageURI); err != nil {
			return errors.NewInvalidSpecError("%s %q is not a valid image reference: %v", FieldImageURI, e.ImageURI, err)
		}
	}

	for key := range e.Extra {
		switch key {
		case FieldPip, FieldConda, FieldEnvVars, FieldWorkingDir, FieldImageURI, FieldConfig:
			return errors.NewInvalidSpecError("extra field %q shadows a built-in field", key)
		}
	}

	if e.Config != nil {
		if err := e.Config.Validate(); err != nil {
			return err
		}
	}

	return nil
}
