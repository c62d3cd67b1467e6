// Package config loads the backend inventory and job files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/leet/internal/backend"
)

// Defaults applied after parsing.
const (
	DefaultConcurrency = 10
	DefaultMaxSessions = 10
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inventory lists the configured backends.
type Inventory struct {
	// Path is the file path the inventory was loaded from.
	Path string `yaml:"-"`

	Backends []BackendConfig `yaml:"backends" validate:"required,min=1,dive"`
}

// BackendConfig configures one backend instance.
type BackendConfig struct {
	// Name is the backend ID used by job targets.
	Name string `yaml:"name" validate:"required"`

	// Type selects the implementation (local, docker, ssh).
	Type string `yaml:"type" validate:"required"`

	// MaxSessions caps concurrently open sessions (default 10, -1 = unlimited).
	MaxSessions int `yaml:"max_sessions" validate:"gte=-1"`

	// Options are passed to the implementation.
	Options map[string]any `yaml:"options"`
}

// Backend converts the entry to a backend configuration.
func (c BackendConfig) Backend() backend.Config {
	n := c.MaxSessions
	if n < 0 {
		n = 0
	}
	return backend.Config{
		Name:        c.Name,
		Type:        c.Type,
		MaxSessions: n,
		Options:     c.Options,
	}
}

// LoadInventory reads an inventory from a YAML file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := ParseInventory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}
	inv.Path = path
	return inv, nil
}

// ParseInventory parses an inventory from YAML data.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := decodeStrict(data, &inv); err != nil {
		return nil, err
	}
	for i := range inv.Backends {
		if inv.Backends[i].MaxSessions == 0 {
			inv.Backends[i].MaxSessions = DefaultMaxSessions
		}
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks the inventory for common errors.
func (inv *Inventory) Validate() error {
	if err := structErr(validate.Struct(inv)); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, b := range inv.Backends {
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// BackendConfigs returns the entries as backend configurations.
func (inv *Inventory) BackendConfigs() []backend.Config {
	out := make([]backend.Config, 0, len(inv.Backends))
	for _, b := range inv.Backends {
		out = append(out, b.Backend())
	}
	return out
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return fmt.Errorf("invalid format: %w", err)
	}
	return nil
}

// structErr turns validator errors into one readable error.
func structErr(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
