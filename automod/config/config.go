package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/bouncerbot/bouncer/automod/engine"

	"gopkg.in/yaml.v3"
)

// Operator-managed policy configuration file. Example:
//
//	policies:
//	  channel-burst:
//	    threshold: 4
//	    window: 10m
//	  suspicious-link:
//	    enabled: false
//	logChannels:
//	  "123456789012345678": "234567890123456789"
type File struct {
	Policies    map[string]engine.PolicyOverride `yaml:"policies"`
	LogChannels map[string]string                `yaml:"logChannels"`
}

var ErrUnknownPolicy = errors.New("override for unknown policy")

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	return &f, nil
}

// Returns the base policies with the file's overrides applied. The base slice is not modified, so re-applying a changed file never stacks on an earlier version.
func (f *File) Apply(base []engine.Policy) ([]engine.Policy, error) {
	out := make([]engine.Policy, len(base))
	seen := make(map[string]bool, len(f.Policies))
	for i, p := range base {
		o, ok := f.Policies[p.Name]
		if !ok {
			out[i] = p
			continue
		}
		seen[p.Name] = true
		updated, err := p.WithOverride(o)
		if err != nil {
			return nil, err
		}
		out[i] = updated
	}
	for name := range f.Policies {
		if !seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
		}
	}
	return out, nil
}
