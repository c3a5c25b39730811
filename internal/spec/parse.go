package spec

import (
	"github.com/felixgeelhaar/runenv/internal/errors"
)

// Parse accepts a runtime env in loose (map[string]any) or typed (RuntimeEnv,
// *RuntimeEnv) form and returns a validated, independent RuntimeEnv.
// A nil input is the empty env.
func Parse(input any) (*RuntimeEnv, error) {
	var env *RuntimeEnv

	switch v := input.(type) {
	case nil:
		return &RuntimeEnv{}, nil
	case RuntimeEnv:
		env = v.Clone()
	case *RuntimeEnv:
		if v == nil {
			return &RuntimeEnv{}, nil
		}
		env = v.Clone()
	case map[string]any:
		var err error
		if env, err = fromMap(v); err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewInvalidSpecError("runtime_env must be a mapping or a RuntimeEnv, got %T", input)
	}

	for key, value := range env.Extra {
		n, err := normalizeValue(key, value)
		if err != nil {
			return nil, err
		}
		env.Extra[key] = n
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func fromMap(m map[string]any) (*RuntimeEnv, error) {
	env := &RuntimeEnv{}

	for key, raw := range m {
		if raw == nil {
			continue
		}

		var err error
		switch key {
		case FieldPip:
			env.Pip, err = parsePip(raw)
		case FieldConda:
			env.Conda, err = parseConda(raw)
		case FieldEnvVars:
			env.EnvVars, err = parseEnvVars(raw)
		case FieldWorkingDir:
			env.WorkingDir, err = parseString(FieldWorkingDir, raw)
		case FieldImageURI:
			env.ImageURI, err = parseString(FieldImageURI, raw)
		case FieldConfig:
			var cfg Config
			if cfg, err = ParseConfig(raw); err == nil {
				env.Config = &cfg
			}
		default:
			var value any
			if value, err = normalizeValue(key, raw); err == nil {
				if env.Extra == nil {
					env.Extra = make(map[string]any)
				}
				env.Extra[key] = value
			}
		}
		if err != nil {
			return nil, err
		}
	}

	return env, nil
}

func parsePip(raw any) (*Pip, error) {
	switch v := raw.(type) {
	case []string, []any:
		pkgs, err := stringList(v)
		if err != nil {
			return nil, errors.NewInvalidSpecError("%s: %v", FieldPip, err)
		}
		return &Pip{Packages: pkgs}, nil
	case map[string]any:
		pip := &Pip{}
		for key, value := range v {
			switch key {
			case "packages":
				pkgs, err := stringList(value)
				if err != nil {
					return nil, errors.NewInvalidSpecError("%s.packages: %v", FieldPip, err)
				}
				pip.Packages = pkgs
			case "pip_check":
				b, ok := value.(bool)
				if !ok {
					return nil, errors.NewInvalidSpecError("%s.pip_check must be a bool, got %T", FieldPip, value)
				}
				pip.PipCheck = b
			case "pip_version":
				s, err := parseString(FieldPip+".pip_version", value)
				if err != nil {
					return nil, err
				}
				pip.PipVersion = s
			default:
				return nil, errors.NewInvalidSpecError("unknown %s field %q", FieldPip, key)
			}
		}
		return pip, nil
	default:
		return nil, errors.NewInvalidSpecError("%s must be a list of packages or a mapping, got %T", FieldPip, raw)
	}
}

func parseConda(raw any) (*Conda, error) {
	switch v := raw.(type) {
	case string:
		return &Conda{EnvName: v}, nil
	case map[string]any:
		conda := &Conda{}
		for key, value := range v {
			var err error
			switch key {
			case "name":
				conda.Name, err = parseString(FieldConda+".name", value)
			case "channels":
				conda.Channels, err = stringList(value)
			case "dependencies":
				conda.Dependencies, err = stringList(value)
			default:
				err = errors.NewInvalidSpecError("unknown %s field %q", FieldConda, key)
			}
			if err != nil {
				if errors.CodeOf(err) != "" {
					return nil, err
				}
				return nil, errors.NewInvalidSpecError("%s.%s: %v", FieldConda, key, err)
			}
		}
		return conda, nil
	default:
		return nil, errors.NewInvalidSpecError("%s must be an environment name or a mapping, got %T", FieldConda, raw)
	}
}

func parseEnvVars(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, errors.NewInvalidSpecError("%s[%q] must be a string, got %T", FieldEnvVars, k, val)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, errors.NewInvalidSpecError("%s must be a mapping of strings, got %T", FieldEnvVars, raw)
	}
}

func parseString(field string, raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", errors.NewInvalidSpecError("%s must be a string, got %T", field, raw)
	}
	return s, nil
}
