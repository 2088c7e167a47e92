package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster maps a group name to the display names that belong to it.
//
//	groups:
//	  platform:
//	    - Ada Lovelace
//	    - Alan Turing
type Roster struct {
	Groups map[string][]string `yaml:"groups"`
}

// LoadRoster reads a YAML roster file. An empty path yields an empty roster.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return &Roster{Groups: map[string][]string{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster %s: %w", path, err)
	}
	return ParseRoster(data)
}

func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if r.Groups == nil {
		r.Groups = map[string][]string{}
	}
	return &r, nil
}
