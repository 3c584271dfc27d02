package faultcode

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultCodes is the built-in catalog used when no catalog file is
// configured. It covers the faults field inspectors hit most often.
var DefaultCodes = []Code{
	{
		ID: "E361", Title: "high engine coolant temperature", Severity: "fail",
		Description: "Coolant temperature exceeded the shutdown threshold.",
		Components:  []string{"cooling system", "radiator", "water pump"},
	},
	{
		ID: "E360", Title: "low engine oil pressure", Severity: "fail",
		Description: "Oil pressure below the safe operating limit at rated speed.",
		Components:  []string{"engine", "oil pump"},
	},
	{
		ID: "E362", Title: "engine overspeed", Severity: "monitor",
		Components: []string{"engine"},
	},
	{
		ID: "E539", Title: "high hydraulic oil temperature", Severity: "monitor",
		Description: "Hydraulic oil above the continuous operating range.",
		Components:  []string{"hydraulic system", "hydraulic cooler"},
	},
	{
		ID: "E232", Title: "low fuel pressure", Severity: "monitor",
		Components: []string{"fuel system", "fuel filter"},
	},
	{
		ID: "E206", Title: "alternator not charging", Severity: "monitor",
		Components: []string{"electrical system", "alternator"},
	},
	{
		ID: "E863", Title: "travel motor overload", Severity: "fail",
		Components: []string{"undercarriage", "travel motor"},
	},
	{
		ID: "E096", Title: "high fuel water level", Severity: "normal",
		Description: "Water detected in the fuel water separator.",
		Components:  []string{"fuel system", "water separator"},
	},
}

// catalogFile is the YAML shape of an external catalog.
type catalogFile struct {
	Codes []Code `yaml:"fault_codes"`
}

// Load reads a catalog from a YAML file. Unknown fields are rejected so a
// typo in the catalog fails loudly at start-up instead of silently dropping
// an entry.
func Load(path string, opts ...Option) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("faultcode: open catalog: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("faultcode: parse catalog %s: %w", path, err)
	}
	if len(file.Codes) == 0 {
		return nil, fmt.Errorf("faultcode: catalog %s has no fault_codes", path)
	}
	for i, c := range file.Codes {
		if c.ID == "" || c.Title == "" {
			return nil, fmt.Errorf("faultcode: catalog entry %d is missing code or title", i)
		}
	}
	return New(file.Codes, opts...), nil
}

// Default returns a Catalog over the built-in codes.
func Default(opts ...Option) *Catalog {
	return New(DefaultCodes, opts...)
}
