package exec

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/spec"
)

// Policy restricts what a runtime env may ask the executor to do.
type Policy struct {
	// ImageAllowlist holds exact image references or prefix patterns ending in '*'.
	// Empty allows every image.
	ImageAllowlist []string `yaml:"image_allowlist"`
	// DisabledPlugins names setup plugins that must not run.
	DisabledPlugins []string `yaml:"disabled_plugins"`
}

// EnforcePolicy validates a runtime env against policy constraints
func EnforcePolicy(env *spec.RuntimeEnv, pol *Policy) error {
	if pol == nil || env == nil {
		return nil
	}

	for _, p := range plugins {
		if p.applies(env) && pol.disabled(p.name) {
			return errors.NewInvalidSpecError("policy violation: the %s plugin is disabled", p.name)
		}
	}

	if env.ImageURI != "" && len(pol.ImageAllowlist) > 0 {
		allowed := false
		for _, pattern := range pol.ImageAllowlist {
			if matchesImagePattern(env.ImageURI, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.NewInvalidSpecError("policy violation: image not in allowlist: %s", env.ImageURI)
		}
	}

	return nil
}

func (p *Policy) disabled(plugin string) bool {
	for _, name := range p.DisabledPlugins {
		if name == plugin {
			return true
		}
	}
	return false
}

// Validate checks the policy's own patterns.
func (p *Policy) Validate() error {
	for _, pattern := range p.ImageAllowlist {
		if pattern == "" || strings.Count(pattern, "*") > 1 ||
			(strings.Contains(pattern, "*") && !strings.HasSuffix(pattern, "*")) {
			return fmt.Errorf("invalid image allowlist pattern %q", pattern)
		}
	}
	for _, name := range p.DisabledPlugins {
		if !knownPlugin(name) {
			return fmt.Errorf("unknown setup plugin %q", name)
		}
	}
	return nil
}

// matchesImagePattern checks if an image matches a pattern
// Supports exact match and wildcard patterns
func matchesImagePattern(image, pattern string) bool {
	if image == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(image, prefix)
	}

	return false
}
