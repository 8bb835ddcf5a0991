package vega

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProfile is used when a task names no profile.
const DefaultProfile = "default"

var knownCapabilities = []Capability{CapHierarchy, CapLocalExecution, CapFileRead, CapFileWrite, CapExternalAPI}

// BuiltinProfiles returns the profiles available without a profile file.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		DefaultProfile: {
			Name:         DefaultProfile,
			Description:  "Delegates and reads files",
			Capabilities: []Capability{CapHierarchy, CapFileRead},
		},
		"full": {
			Name:         "full",
			Description:  "Every capability",
			Capabilities: slices.Clone(knownCapabilities),
		},
		"worker": {
			Name:         "worker",
			Description:  "Leaf worker that cannot spawn children",
			Capabilities: []Capability{CapFileRead, CapFileWrite, CapLocalExecution},
		},
	}
}

// ProfileError is a problem in a profile file.
type ProfileError struct {
	Field   string
	Message string
	Hint    string
}

func (e *ProfileError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Field, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *ProfileError) Unwrap() error {
	return ErrInvalidInput
}

type profileFile struct {
	DefaultModels []string  `yaml:"default_models"`
	Profiles      []Profile `yaml:"profiles"`
}

// LoadProfiles reads capability profiles from a YAML file and merges
// them over the built-ins.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles parses profile YAML. Example:
//
//	default_models: [claude-sonnet, gpt-4o]
//	profiles:
//	  - name: researcher
//	    capabilities: [hierarchy, external_api]
func ParseProfiles(data []byte) (map[string]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	out := BuiltinProfiles()
	for name, p := range out {
		p.ModelPool = slices.Clone(f.DefaultModels)
		out[name] = p
	}
	for i, p := range f.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return nil, &ProfileError{Field: fmt.Sprintf("profiles[%d].name", i), Message: "name is required"}
		}
		for _, c := range p.Capabilities {
			if !slices.Contains(knownCapabilities, c) {
				return nil, &ProfileError{
					Field:   fmt.Sprintf("profiles.%s.capabilities", p.Name),
					Message: fmt.Sprintf("unknown capability '%s'", c),
					Hint:    "one of: " + joinCapabilities(knownCapabilities),
				}
			}
		}
		if len(p.ModelPool) == 0 {
			p.ModelPool = slices.Clone(f.DefaultModels)
		}
		out[p.Name] = p
	}
	return out, nil
}

func joinCapabilities(caps []Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
