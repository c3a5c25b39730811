package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/spec"
)

// Setup plugin names, in execution order.
const (
	PluginImage      = "image_uri"
	PluginConda      = "conda"
	PluginPip        = "pip"
	PluginWorkingDir = "working_dir"
	PluginEnvVars    = "env_vars"
)

type plugin struct {
	name    string
	applies func(env *spec.RuntimeEnv) bool
	run     func(s *session, ctx context.Context) error
}

var plugins = []plugin{
	{
		name:    PluginImage,
		applies: func(env *spec.RuntimeEnv) bool { return env.ImageURI != "" },
		run:     (*session).setupImage,
	},
	{
		name:    PluginConda,
		applies: func(env *spec.RuntimeEnv) bool { return env.Conda != nil },
		run:     (*session).setupConda,
	},
	{
		name:    PluginPip,
		applies: func(env *spec.RuntimeEnv) bool { return env.Pip != nil },
		run:     (*session).setupPip,
	},
	{
		name:    PluginWorkingDir,
		applies: func(env *spec.RuntimeEnv) bool { return env.WorkingDir != "" },
		run:     (*session).setupWorkingDir,
	},
	{
		name:    PluginEnvVars,
		applies: func(env *spec.RuntimeEnv) bool { return len(env.EnvVars) > 0 },
		run:     (*session).setupEnvVars,
	},
}

func knownPlugin(name string) bool {
	for _, p := range plugins {
		if p.name == name {
			return true
		}
	}
	return false
}

func (s *session) setupImage(ctx context.Context) error {
	image := s.env.ImageURI

	if s.executor.Images != nil && s.executor.Images.Fresh(image) {
		res, err := s.run(ctx, PluginImage, Step{Name: s.executor.Docker, Args: []string{"image", "inspect", image}})
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			s.executor.Images.Touch(image)
			s.handle.ImageURI = image
			return nil
		}
	}

	res, err := s.run(ctx, PluginImage, Step{Name: s.executor.Docker, Args: []string{"pull", image}})
	if err != nil {
		return err
	}
	if err := s.check(PluginImage, res); err != nil {
		return err
	}

	if s.executor.Images != nil {
		s.executor.Images.Record(image, res.Duration)
		if err := s.executor.Images.Save(); err != nil {
			s.logger.Warn("failed to save image cache", "error", err)
		}
	}
	s.handle.ImageURI = image
	return nil
}

// condaEnvironment is the environment.yml document handed to conda.
type condaEnvironment struct {
	Name         string   `yaml:"name,omitempty"`
	Channels     []string `yaml:"channels,omitempty"`
	Dependencies []string `yaml:"dependencies"`
}

func (s *session) setupConda(ctx context.Context) error {
	conda := s.env.Conda

	if conda.EnvName != "" {
		res, err := s.run(ctx, PluginConda, Step{
			Name: s.executor.Conda,
			Args: []string{"run", "-n", conda.EnvName, "python", "-c", "import sys; print(sys.prefix)"},
		})
		if err != nil {
			return err
		}
		if err := s.check(PluginConda, res); err != nil {
			return err
		}
		prefix := lastLine(res.Output)
		s.prependPath(filepath.Join(prefix, "bin"))
		s.handle.EnvVars["CONDA_PREFIX"] = prefix
		s.handle.EnvVars["CONDA_DEFAULT_ENV"] = conda.EnvName
		return nil
	}

	data, err := yaml.Marshal(condaEnvironment{
		Name:         conda.Name,
		Channels:     conda.Channels,
		Dependencies: conda.Dependencies,
	})
	if err != nil {
		return fmt.Errorf("marshal environment.yml: %w", err)
	}
	envFile, err := s.writeInput("environment.yml", data)
	if err != nil {
		return err
	}

	prefix := filepath.Join(s.dir, "conda")
	res, err := s.run(ctx, PluginConda, Step{
		Name: s.executor.Conda,
		Args: []string{"env", "create", "--yes", "--prefix", prefix, "--file", envFile},
	})
	if err != nil {
		return err
	}
	if err := s.check(PluginConda, res); err != nil {
		return err
	}

	s.prependPath(filepath.Join(prefix, "bin"))
	s.handle.EnvVars["CONDA_PREFIX"] = prefix
	return nil
}

func (s *session) setupPip(ctx context.Context) error {
	pip := s.env.Pip
	venv := filepath.Join(s.dir, "virtualenv")
	python := filepath.Join(venv, "bin", "python")

	steps := []Step{{Name: s.executor.Python, Args: []string{"-m", "venv", venv}}}

	if pip.PipVersion != "" {
		steps = append(steps, Step{Name: python, Args: []string{"-m", "pip", "install", "pip" + pip.PipVersion}})
	}

	if len(pip.Packages) > 0 {
		requirements, err := s.writeInput("requirements.txt", []byte(strings.Join(pip.Packages, "\n")+"\n"))
		if err != nil {
			return err
		}
		steps = append(steps, Step{
			Name: python,
			Args: []string{"-m", "pip", "install", "--disable-pip-version-check", "-r", requirements},
		})
	}

	if pip.PipCheck {
		steps = append(steps, Step{Name: python, Args: []string{"-m", "pip", "check"}})
	}

	for _, step := range steps {
		res, err := s.run(ctx, PluginPip, step)
		if err != nil {
			return err
		}
		if err := s.check(PluginPip, res); err != nil {
			return err
		}
	}

	s.prependPath(filepath.Join(venv, "bin"))
	s.handle.EnvVars["VIRTUAL_ENV"] = venv
	return nil
}

func (s *session) setupWorkingDir(_ context.Context) error {
	dir, err := filepath.Abs(s.env.WorkingDir)
	if err != nil {
		return errors.NewSetupFailureError(s.fingerprint, PluginWorkingDir, err.Error(), err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewSetupFailureError(s.fingerprint, PluginWorkingDir, err.Error(), err)
	}
	if !info.IsDir() {
		msg := fmt.Sprintf("working_dir %s is not a directory", dir)
		return errors.NewSetupFailureError(s.fingerprint, PluginWorkingDir, msg, nil)
	}

	s.handle.WorkingDir = dir
	s.record(PluginWorkingDir, nil, 0, 0)
	return nil
}

func (s *session) setupEnvVars(_ context.Context) error {
	for key, value := range s.env.EnvVars {
		s.handle.EnvVars[key] = value
	}
	s.record(PluginEnvVars, nil, 0, 0)
	return nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
