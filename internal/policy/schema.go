// Package policy loads, validates, and merges layered configuration into an
// immutable EffectivePolicy. The merge model is additive-inheritance with
// per-section replace-vs-union semantics: a config may declare a "preset"
// baseline (one of three fixed presets) and every scalar/list field either
// unions with, or outright replaces, whatever the layer below it declared.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Preset is a named baseline policy merged in right after built-in defaults.
type Preset string

const (
	PresetStrict     Preset = "strict"
	PresetStandard   Preset = "standard"
	PresetPermissive Preset = "permissive"
)

// StringList distinguishes an omitted YAML key (nil, inherit via union) from
// an explicitly empty list (non-nil, zero length, replaces inherited
// values outright). Plain []string loses this distinction on unmarshal, so
// every list-shaped policy field uses StringList instead.
type StringList struct {
	Set    bool
	Values []string
}

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	var v []string
	if err := value.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		v = []string{}
	}
	s.Set = true
	s.Values = v
	return nil
}

func (s StringList) MarshalYAML() (interface{}, error) {
	if !s.Set {
		return nil, nil
	}
	return s.Values, nil
}

// Permissions is the raw, pre-canonicalization permission document as
// authored in a config layer.
type Permissions struct {
	Read  StringList `yaml:"read"`
	Write StringList `yaml:"write"`
	Net   StringList `yaml:"net"`
	Run   StringList `yaml:"run"`
	Env   StringList `yaml:"env"`
}

// EnvRules is the env section: allow lists names visible to the child,
// mask lists names (or globs) to scrub from whatever is inherited/allowed.
type EnvRules struct {
	Allow StringList `yaml:"allow"`
	Mask  StringList `yaml:"mask"`
}

// ImportRules classifies module identifiers by glob.
type ImportRules struct {
	Trusted StringList `yaml:"trusted"`
	Allowed StringList `yaml:"allowed"`
	Blocked StringList `yaml:"blocked"`
}

// ExternalCommand restricts which flags a whitelisted command may be
// invoked with. An empty Flags list means "any flags".
type ExternalCommand struct {
	Flags []string `yaml:"flags,omitempty"`
}

// Task is a named, pre-authorized command line (config's `tasks` key).
type Task struct {
	Cmd string `yaml:"cmd"`
}

// Document is the author-facing config file schema, one per
// layer (global user config, project config, ...).
type Document struct {
	Preset               Preset                     `yaml:"preset,omitempty"`
	Permissions          Permissions                `yaml:"permissions"`
	External             map[string]ExternalCommand `yaml:"external,omitempty"`
	Env                  EnvRules                   `yaml:"env"`
	Imports              ImportRules                `yaml:"imports"`
	Tasks                map[string]Task            `yaml:"tasks,omitempty"`
	TimeoutMS            int64                      `yaml:"timeout,omitempty"`
	ProjectDir           string                     `yaml:"project_dir,omitempty"`
	WorkspaceDir         string                     `yaml:"workspace_dir,omitempty"`
	AllowProjectCommands bool                       `yaml:"allow_project_commands,omitempty"`
}

// Parse parses a single config layer from YAML bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	return &doc, nil
}
