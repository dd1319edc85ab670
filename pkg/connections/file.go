package connections

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// FileSource serves connections declared in a YAML file, for data sources
// that are not registered in the dashboard database.
type FileSource struct {
	connections map[int64]*models.Connection
}

type connectionsFile struct {
	Connections []models.Connection `yaml:"connections"`
}

// LoadFileSource reads path
func LoadFileSource(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}
	return ParseFileSource(raw)
}

// ParseFileSource decodes a connections document
func ParseFileSource(raw []byte) (*FileSource, error) {
	var doc connectionsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse connections file: %w", err)
	}
	src := &FileSource{connections: make(map[int64]*models.Connection, len(doc.Connections))}
	for i := range doc.Connections {
		c := doc.Connections[i]
		if c.ID == 0 || c.Type == "" {
			return nil, fmt.Errorf("%w: connection #%d needs id and type", models.ErrInvalidInput, i+1)
		}
		if _, dup := src.connections[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate connection id %d", models.ErrInvalidInput, c.ID)
		}
		src.connections[c.ID] = &c
	}
	return src, nil
}

// GetConnection implements Source
func (f *FileSource) GetConnection(_ context.Context, id int64) (*models.Connection, error) {
	c, ok := f.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// Len returns the number of declared connections
func (f *FileSource) Len() int {
	return len(f.connections)
}
