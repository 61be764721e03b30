package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// StoryFile is the YAML document accepted by gl story create -f.
type StoryFile struct {
	Stories []domain.StoryDefinition `yaml:"stories"`
}

// LoadStories reads story definitions from a YAML file.
func LoadStories(path string) ([]domain.StoryDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseStories(data)
}

func ParseStories(data []byte) ([]domain.StoryDefinition, error) {
	var f StoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("invalid story yaml: %w", err)
	}
	if len(f.Stories) == 0 {
		return nil, fmt.Errorf("invalid story yaml: no stories")
	}
	return f.Stories, nil
}
