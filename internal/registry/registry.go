// Package registry is the device capability database: it maps advertised BLE
// names to device families and resolves identifiers to feature attributes.
// Lookups are pure; the database is loaded once from YAML.
package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

//go:embed devices.yaml
var defaultDatabase []byte

// Registry holds every known protocol configuration.
type Registry struct {
	protocols map[string]ProtocolConfig
	names     []string
}

// BTLE describes how a family is found and addressed over Bluetooth LE.
type BTLE struct {
	Names []string `yaml:"names"`
	// Services maps a service UUID to endpoint → characteristic UUID.
	Services map[string]map[transport.Endpoint]string `yaml:"services"`
}

// Configuration is one device variant within a family.
type Configuration struct {
	Identifier []string             `yaml:"identifier"`
	Name       map[string]string    `yaml:"name"`
	Messages   message.AttributeMap `yaml:"messages"`
}

// ProtocolConfig is everything the registry knows about one family.
type ProtocolConfig struct {
	Protocol       string          `yaml:"-"`
	BTLE           BTLE            `yaml:"btle"`
	Defaults       *Configuration  `yaml:"defaults"`
	Configurations []Configuration `yaml:"configurations"`
}

type database struct {
	Protocols map[string]ProtocolConfig `yaml:"protocols"`
}

// Default returns the registry built from the embedded database.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultDatabase))
}

// LoadFile reads a YAML database from path.
func LoadFile(name string) (*Registry, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open device database '%s': %w", name, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a YAML database.
func Load(r io.Reader) (*Registry, error) {
	var db database
	if err := yaml.NewDecoder(r).Decode(&db); err != nil {
		return nil, fmt.Errorf("failed to decode device database: %w", err)
	}

	reg := &Registry{protocols: make(map[string]ProtocolConfig, len(db.Protocols))}
	for name, pc := range db.Protocols {
		pc.Protocol = name
		if err := pc.validate(); err != nil {
			return nil, fmt.Errorf("protocol %s: %w", name, err)
		}
		reg.protocols[name] = pc
		reg.names = append(reg.names, name)
	}
	sort.Strings(reg.names)
	return reg, nil
}

func (pc ProtocolConfig) validate() error {
	for _, pattern := range pc.BTLE.Names {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("bad name pattern %q: %w", pattern, err)
		}
	}
	if pc.Defaults != nil {
		if err := pc.Defaults.validate(); err != nil {
			return fmt.Errorf("defaults: %w", err)
		}
	}
	for i, c := range pc.Configurations {
		if err := c.validate(); err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
	}
	return nil
}

func (c Configuration) validate() error {
	for kind, attrs := range c.Messages {
		if _, err := message.ParseKind(string(kind)); err != nil || kind == message.KindStop {
			return fmt.Errorf("unsupported message %q", kind)
		}
		if err := attrs.Validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

// Protocols lists the configured family names.
func (r *Registry) Protocols() []string {
	return append([]string(nil), r.names...)
}

// Protocol returns the configuration for a family.
func (r *Registry) Protocol(name string) (ProtocolConfig, bool) {
	pc, ok := r.protocols[name]
	return pc, ok
}

// Find returns the family whose BTLE name patterns match an advertised name.
func (r *Registry) Find(advertised string) (ProtocolConfig, bool) {
	if advertised == "" {
		return ProtocolConfig{}, false
	}
	for _, name := range r.names {
		pc := r.protocols[name]
		for _, pattern := range pc.BTLE.Names {
			if ok, _ := path.Match(pattern, advertised); ok {
				return pc, true
			}
		}
	}
	return ProtocolConfig{}, false
}

// Attributes resolves an identifier within the family. Configurations listing
// the identifier are layered over the defaults; an identifier no
// configuration lists resolves to the defaults alone. ok is false when there
// is nothing to resolve to.
func (pc ProtocolConfig) Attributes(identifier string) (map[string]string, message.AttributeMap, bool) {
	names := make(map[string]string)
	attrs := make(message.AttributeMap)
	found := false
	if pc.Defaults != nil {
		merge(names, attrs, *pc.Defaults)
		found = len(attrs) > 0
	}
	for _, c := range pc.Configurations {
		for _, id := range c.Identifier {
			if id == identifier {
				merge(names, attrs, c)
				found = len(attrs) > 0
				break
			}
		}
	}
	if !found {
		return nil, nil, false
	}
	return names, attrs, true
}

func merge(names map[string]string, attrs message.AttributeMap, c Configuration) {
	for locale, n := range c.Name {
		names[locale] = n
	}
	for kind, a := range c.Messages.Clone() {
		attrs[kind] = a
	}
}
