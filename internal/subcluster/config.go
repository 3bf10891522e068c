package subcluster

import "fmt"

// VatBundle is an inline self-contained vat program. All four fields
// are validated strictly — a bundle with no exports or an empty module
// entry is rejected before any worker launches.
type VatBundle struct {
	ModuleFormat string            `json:"module_format" yaml:"module_format"`
	Code         string            `json:"code" yaml:"code"`
	Exports      []string          `json:"exports" yaml:"exports"`
	Modules      map[string]string `json:"modules,omitempty" yaml:"modules,omitempty"`
}

func (b VatBundle) validate() error {
	if b.ModuleFormat != "iife" {
		return fmt.Errorf("invalid vat bundle: module_format must be \"iife\", got %q", b.ModuleFormat)
	}
	if b.Code == "" {
		return fmt.Errorf("invalid vat bundle: code is empty")
	}
	if len(b.Exports) == 0 {
		return fmt.Errorf("invalid vat bundle: exports is empty")
	}
	for name, src := range b.Modules {
		if name == "" || src == "" {
			return fmt.Errorf("invalid vat bundle: modules entry %q has empty name or source", name)
		}
	}
	return nil
}

// VatSpec is one vat's launch configuration within a subcluster config:
// exactly one of SourceSpec, BundleSpec, or Bundle must be set.
type VatSpec struct {
	SourceSpec string            `json:"source_spec,omitempty" yaml:"source_spec,omitempty"`
	BundleSpec string            `json:"bundle_spec,omitempty" yaml:"bundle_spec,omitempty"`
	Bundle     *VatBundle        `json:"bundle,omitempty" yaml:"bundle,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (v VatSpec) kindCount() int {
	n := 0
	if v.SourceSpec != "" {
		n++
	}
	if v.BundleSpec != "" {
		n++
	}
	if v.Bundle != nil {
		n++
	}
	return n
}

func (v VatSpec) validate(name string) error {
	switch v.kindCount() {
	case 0:
		return fmt.Errorf("invalid cluster config: vat %q has no source_spec, bundle_spec, or bundle", name)
	case 1:
		// exactly one, fall through to per-kind validation
	default:
		return fmt.Errorf("invalid cluster config: vat %q sets more than one of source_spec/bundle_spec/bundle", name)
	}
	if v.Bundle != nil {
		if err := v.Bundle.validate(); err != nil {
			return fmt.Errorf("vat %q: %w", name, err)
		}
	}
	return nil
}

// Config is a subcluster's declarative launch configuration: a
// bootstrap vat name, a map of named vat specs, and optional
// bundle/service hints consumed by the launch protocol.
type Config struct {
	Bootstrap string             `json:"bootstrap" yaml:"bootstrap"`
	Vats      map[string]VatSpec `json:"vats" yaml:"vats"`
	Bundles   map[string]string  `json:"bundles,omitempty" yaml:"bundles,omitempty"`
	Services  []string           `json:"services,omitempty" yaml:"services,omitempty"`
}

// Validate checks the config's structure before anything launches:
// "invalid cluster config" for a malformed or empty config, "invalid
// bootstrap vat name" when bootstrap does not name one of Vats.
func (c Config) Validate() error {
	if len(c.Vats) == 0 {
		return fmt.Errorf("invalid cluster config: vats is empty")
	}
	if c.Bootstrap == "" {
		return fmt.Errorf("invalid cluster config: bootstrap is empty")
	}
	if _, ok := c.Vats[c.Bootstrap]; !ok {
		return fmt.Errorf("invalid bootstrap vat name: %q is not a configured vat", c.Bootstrap)
	}
	for name, spec := range c.Vats {
		if err := spec.validate(name); err != nil {
			return fmt.Errorf("invalid cluster config: %w", err)
		}
	}
	return nil
}
