package provider

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"unitmover.io/unitmover/internal/config"
)

// UnitTemplate is the single destination shape every unit is built from.
type UnitTemplate struct {
	Name             string            `yaml:"name" json:"name"`
	Image            string            `yaml:"image" json:"image"`
	InitArgs         []string          `yaml:"init_args" json:"init_args,omitempty"`
	InterfaceVersion string            `yaml:"interface_version" json:"interface_version"`
	CPU              int               `yaml:"cpu" json:"cpu"`
	MemoryMB         int               `yaml:"memory_mb" json:"memory_mb"`
	Labels           map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// Validate checks that the template can be provisioned.
func (t *UnitTemplate) Validate() error {
	if t == nil {
		return fmt.Errorf("unit template is nil")
	}
	if strings.TrimSpace(t.Image) == "" {
		return fmt.Errorf("unit template: image is required")
	}
	if t.CPU <= 0 {
		return fmt.Errorf("unit template: cpu must be positive")
	}
	if t.MemoryMB <= 0 {
		return fmt.Errorf("unit template: memory_mb must be positive")
	}
	if !semver.IsValid(t.InterfaceVersion) {
		return fmt.Errorf("unit template: interface_version %q is not a semantic version", t.InterfaceVersion)
	}
	return nil
}

// LoadTemplate reads the unit template. A YAML file named by
// cfg.TemplateFile overrides the inline config values it sets.
func LoadTemplate(cfg config.UnitConfig) (*UnitTemplate, error) {
	tmpl := &UnitTemplate{
		Name:             "default",
		Image:            cfg.Image,
		InitArgs:         cfg.InitArgs,
		InterfaceVersion: cfg.InterfaceVersion,
		CPU:              cfg.CPU,
		MemoryMB:         cfg.MemoryMB,
	}

	if cfg.TemplateFile != "" {
		raw, err := os.ReadFile(cfg.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("read unit template: %w", err)
		}
		if err := yaml.Unmarshal(raw, tmpl); err != nil {
			return nil, fmt.Errorf("parse unit template %s: %w", cfg.TemplateFile, err)
		}
	}

	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}
