package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// pricingFile is the on-disk shape of a rate override file. Rates nest
// under a top-level "models" key so the file mirrors the pricing
// section of the main config.
type pricingFile struct {
	Models Rates `yaml:"models"`
}

// LoadRates reads a YAML pricing file and returns its rate table.
// Entries omitted from the file keep whatever rate the caller already
// has; use MergeRates to layer the result over an existing table.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read pricing file %s", path)
	}
	var pf pricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "cost: parse pricing file %s", path)
	}
	if len(pf.Models) == 0 {
		return nil, eris.Errorf("cost: pricing file %s has no models", path)
	}
	return pf.Models, nil
}

// MergeRates returns base with overrides layered on top. Override
// entries win on key collision. Neither input map is modified.
func MergeRates(base, overrides Rates) Rates {
	merged := make(Rates, len(base)+len(overrides))
	for model, rate := range base {
		merged[model] = rate
	}
	for model, rate := range overrides {
		merged[model] = rate
	}
	return merged
}
