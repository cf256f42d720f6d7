// Package sensorcat holds the fixed catalog of APU sensors the assistant can
// reason about. The catalog is embedded at build time; sensor names are the
// closed vocabulary for tool arguments and dataset columns.
package sensorcat

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed config/sensors.yaml
var configFiles embed.FS

// Sensor describes one catalog entry.
type Sensor struct {
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit,omitempty"`
	Description string `yaml:"description"`
}

type catalogFile struct {
	Analog  []Sensor `yaml:"analog"`
	Digital []Sensor `yaml:"digital"`
}

// Catalog is the loaded sensor catalog. It is immutable after load.
type Catalog struct {
	analog  []Sensor
	digital []Sensor
	byName  map[string]Sensor
}

// Load parses the embedded catalog YAML.
func Load() (*Catalog, error) {
	data, err := configFiles.ReadFile("config/sensors.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read sensor catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor catalog: %w", err)
	}
	if len(file.Analog) == 0 || len(file.Digital) == 0 {
		return nil, fmt.Errorf("sensor catalog is incomplete: %d analog, %d digital", len(file.Analog), len(file.Digital))
	}

	c := &Catalog{
		analog:  file.Analog,
		digital: file.Digital,
		byName:  make(map[string]Sensor, len(file.Analog)+len(file.Digital)),
	}
	for _, s := range file.Analog {
		c.byName[s.Name] = s
	}
	for _, s := range file.Digital {
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate sensor name in catalog: %s", s.Name)
		}
		c.byName[s.Name] = s
	}
	return c, nil
}

// AnalogNames returns analog sensor names in catalog order.
func (c *Catalog) AnalogNames() []string {
	return names(c.analog)
}

// DigitalNames returns digital sensor names in catalog order.
func (c *Catalog) DigitalNames() []string {
	return names(c.digital)
}

// IsAnalog reports whether name is a catalog analog sensor.
func (c *Catalog) IsAnalog(name string) bool {
	return contains(c.analog, name)
}

// IsDigital reports whether name is a catalog digital sensor.
func (c *Catalog) IsDigital(name string) bool {
	return contains(c.digital, name)
}

// Lookup returns the catalog entry for name.
func (c *Catalog) Lookup(name string) (Sensor, bool) {
	s, ok := c.byName[name]
	return s, ok
}

func names(sensors []Sensor) []string {
	out := make([]string, len(sensors))
	for i, s := range sensors {
		out[i] = s.Name
	}
	return out
}

func contains(sensors []Sensor, name string) bool {
	for _, s := range sensors {
		if s.Name == name {
			return true
		}
	}
	return false
}
