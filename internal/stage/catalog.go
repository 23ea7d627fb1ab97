// Package stage runs a single analysis stage: it renders the stage prompt,
// calls an extractor once, and validates what comes back.
package stage

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/synthesis-cli/internal/model"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Definition describes one stage: its schema, minimum output and prompts.
type Definition struct {
	Name         model.StageName `yaml:"-"`
	Schema       string          `yaml:"schema"`
	MinRecords   int             `yaml:"min_records"`
	Instructions string          `yaml:"instructions"`
	Prompt       string          `yaml:"prompt"`
}

// Catalog holds the definition of every stage.
type Catalog struct {
	stages map[model.StageName]Definition
}

// DefaultCatalog returns the built-in stage catalog.
func DefaultCatalog() *Catalog {
	cat, err := ParseCatalog(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return cat
}

// LoadCatalog reads a catalog from a YAML file. Stages missing from the file
// keep their built-in definition.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: read catalog %s", path)
	}
	override, err := ParseCatalog(data)
	if err != nil && !eris.Is(err, errIncomplete) {
		return nil, err
	}
	cat := DefaultCatalog()
	for name, def := range override.stages {
		cat.stages[name] = def
	}
	return cat, nil
}

var errIncomplete = eris.New("stage: catalog is missing stages")

// minimumFloor is the least output a stage may be configured to accept. A run
// without chunks or patterns has nothing to build on.
var minimumFloor = map[model.StageName]int{
	model.StageChunk:  1,
	model.StageRelate: 1,
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var wrapper struct {
		Stages map[string]Definition `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "stage: parse catalog")
	}

	cat := &Catalog{stages: make(map[model.StageName]Definition, len(wrapper.Stages))}
	for key, def := range wrapper.Stages {
		name := model.StageName(key)
		if !name.Valid() {
			return nil, eris.Errorf("stage: unknown stage %q in catalog", key)
		}
		if def.MinRecords < 0 {
			return nil, eris.Errorf("stage: %s min_records must be >= 0", key)
		}
		if floor := minimumFloor[name]; def.MinRecords < floor {
			def.MinRecords = floor
		}
		def.Name = name
		cat.stages[name] = def
	}
	for _, name := range model.Stages {
		if _, ok := cat.stages[name]; !ok {
			return cat, eris.Wrapf(errIncomplete, "missing %s", name)
		}
	}
	return cat, nil
}

// Get returns the definition of a stage.
func (c *Catalog) Get(name model.StageName) (Definition, bool) {
	def, ok := c.stages[name]
	return def, ok
}
