package topology

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
)

// FileDirectory reads the topology from a YAML document of the form
//
//	stations:     [{id, name, code, lat, lon}]
//	lines:        [{id, name, code, color}]
//	memberships:  [{line_id, station_id, order, distance}]
//	interchanges: [{station_id, connected: [ids], distance}]
type FileDirectory struct {
	path     string
	validate *validator.Validate
}

func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{
		path:     path,
		validate: validator.New(),
	}
}

func (d *FileDirectory) Topology(ctx context.Context) (*domain.Topology, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return d.Parse(data)
}

// Parse decodes and validates a YAML topology document.
func (d *FileDirectory) Parse(data []byte) (*domain.Topology, error) {
	var t domain.Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	if err := d.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrInvalidTopology, err)
	}
	if len(t.Stations) == 0 {
		return nil, fmt.Errorf("%w: no stations", graph.ErrInvalidTopology)
	}
	return &t, nil
}

// WriteFile stores t as YAML in canonical order. The export command uses it
// to write a normalized topology.
func WriteFile(path string, t *domain.Topology) error {
	data, err := yaml.Marshal(t.Canonical())
	if err != nil {
		return fmt.Errorf("encode topology: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
