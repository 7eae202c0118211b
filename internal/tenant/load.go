package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type tenantsFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// LoadFile parses a tenants YAML file:
//
//	tenants:
//	  - id: acme
//	    displayName: Acme GmbH
//	    dailyBudgetEUR: 40
//	    rateLimit: 10
func LoadFile(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenants file: %w", err)
	}
	var f tenantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tenants file %s: %w", path, err)
	}
	for i, t := range f.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenants file %s: entry %d missing id", path, i)
		}
	}
	return f.Tenants, nil
}
