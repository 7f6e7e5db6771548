package experts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

// Descriptor is the configuration data for one expert.
type Descriptor struct {
	ID           ID     `yaml:"id"`
	Name         string `yaml:"name"`
	When         string `yaml:"when"`
	Instructions string `yaml:"instructions"`
	Schema       string `yaml:"schema"`
}

// Taxonomy maps expert ids to their descriptors.
type Taxonomy map[ID]Descriptor

type taxonomyFile struct {
	Experts []Descriptor `yaml:"experts"`
}

func parseTaxonomy(data []byte) (Taxonomy, error) {
	var file taxonomyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	tax := make(Taxonomy, len(file.Experts))
	for _, d := range file.Experts {
		if !Known(d.ID) {
			return nil, fmt.Errorf("taxonomy: unknown expert %q", d.ID)
		}
		tax[d.ID] = d
	}
	return tax, nil
}

// DefaultTaxonomy returns the embedded taxonomy.
func DefaultTaxonomy() Taxonomy {
	tax, err := parseTaxonomy(defaultTaxonomy)
	if err != nil {
		panic(err)
	}
	return tax
}

// LoadTaxonomy returns the embedded taxonomy with entries from path laid
// over it. Non-empty fields of an override replace the default; an empty
// path returns the defaults.
func LoadTaxonomy(path string) (Taxonomy, error) {
	tax := DefaultTaxonomy()
	if strings.TrimSpace(path) == "" {
		return tax, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	overrides, err := parseTaxonomy(data)
	if err != nil {
		return nil, err
	}
	for id, o := range overrides {
		d := tax[id]
		if o.Name != "" {
			d.Name = o.Name
		}
		if o.When != "" {
			d.When = o.When
		}
		if o.Instructions != "" {
			d.Instructions = o.Instructions
		}
		if o.Schema != "" {
			d.Schema = o.Schema
		}
		tax[id] = d
	}
	return tax, nil
}
