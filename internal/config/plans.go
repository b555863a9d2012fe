package config

import (
	"fmt"
	"log"
	"os"

	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"gopkg.in/yaml.v3"
)

// Template is an instance plan: the hypervisor image to clone, its resources and price.
type Template struct {
	Name               string        `yaml:"name"`
	HypervisorTemplate string        `yaml:"hypervisor_template"`
	VCPU               int           `yaml:"vcpu"`
	RAMMB              int           `yaml:"ram_mb"`
	StorageGB          int           `yaml:"storage_gb"`
	PointsPerDay       models.Points `yaml:"points_per_day"`
	MaxSnapshots       int           `yaml:"max_snapshots"`
}

// Catalog is the set of templates users can create instances from.
type Catalog struct {
	Templates []Template `yaml:"templates"`

	byName map[string]*Template
}

var defaultCatalog = `
templates:
  - name: nano
    hypervisor_template: "9000"
    vcpu: 1
    ram_mb: 1024
    storage_gb: 10
    points_per_day: "6"
  - name: small
    hypervisor_template: "9000"
    vcpu: 2
    ram_mb: 2048
    storage_gb: 20
    points_per_day: "12"
  - name: medium
    hypervisor_template: "9000"
    vcpu: 4
    ram_mb: 4096
    storage_gb: 40
    points_per_day: "24"
    max_snapshots: 5
`

// LoadCatalog reads the plan catalog from path, or the built-in one when path is empty.
func LoadCatalog(path string, defaultQuota int) (*Catalog, error) {
	data := []byte(defaultCatalog)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plans file: %w", err)
		}
		data = b
	}

	cat, err := ParseCatalog(data, defaultQuota)
	if err != nil {
		return nil, err
	}

	log.Printf("[config] Loaded %d instance templates", len(cat.Templates))
	return cat, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte, defaultQuota int) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if len(cat.Templates) == 0 {
		return nil, fmt.Errorf("plans: no templates defined")
	}

	cat.byName = make(map[string]*Template, len(cat.Templates))
	for i := range cat.Templates {
		t := &cat.Templates[i]
		if t.Name == "" || t.HypervisorTemplate == "" {
			return nil, fmt.Errorf("plans: template %d needs name and hypervisor_template", i)
		}
		if _, dup := cat.byName[t.Name]; dup {
			return nil, fmt.Errorf("plans: duplicate template %q", t.Name)
		}
		if t.VCPU <= 0 || t.RAMMB <= 0 || t.StorageGB <= 0 {
			return nil, fmt.Errorf("plans: template %q has invalid resources", t.Name)
		}
		if t.PointsPerDay < 0 {
			return nil, fmt.Errorf("plans: template %q has negative points_per_day", t.Name)
		}
		if t.MaxSnapshots <= 0 {
			t.MaxSnapshots = defaultQuota
		}
		cat.byName[t.Name] = t
	}

	return &cat, nil
}

// Get returns the named template, or nil.
func (c *Catalog) Get(name string) *Template {
	return c.byName[name]
}
