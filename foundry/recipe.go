package foundry

import (
	"fmt"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/goldboot/goldboot/types"
)

// yamlFoundry is the YAML wire shape of a Foundry recipe. Disk/memory
// sizes are human strings ("20GB") rather than raw byte counts, matching
// what a hand-written recipe file actually looks like.
type yamlFoundry struct {
	Name              string        `yaml:"name"`
	Elements          []yamlElement `yaml:"elements"`
	HeaderEncryption  bool          `yaml:"header_encryption"`
	ClusterEncryption bool          `yaml:"cluster_encryption"`
	Debug             bool          `yaml:"debug"`
}

type yamlElement struct {
	Name   string       `yaml:"name"`
	Arch   string       `yaml:"arch"`
	Source types.Source `yaml:"source"`

	PreferredSize string `yaml:"preferred_size"`
	Memory        string `yaml:"memory"`
	CPUs          int    `yaml:"cpus"`

	BootCommands []types.BootCommand    `yaml:"boot_commands"`
	Fabricators  []types.FabricatorSpec `yaml:"fabricators"`
	TPM          bool                   `yaml:"tpm"`
}

// DecodeYAML parses a Foundry recipe from goldboot's YAML form — the
// exercised config path for cmd/build in place of the out-of-scope
// Starlark loader (spec.md §1). Human disk/memory size strings are
// parsed via docker/go-units, the library the teacher itself vendors
// for the same purpose.
func DecodeYAML(data []byte) (*types.Foundry, error) {
	var y yamlFoundry
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("foundry: parsing recipe yaml: %w", err)
	}

	rec := &types.Foundry{
		Name:              y.Name,
		HeaderEncryption:  y.HeaderEncryption,
		ClusterEncryption: y.ClusterEncryption,
		Debug:             y.Debug,
	}
	for _, ye := range y.Elements {
		size, err := units.RAMInBytes(ye.PreferredSize)
		if err != nil {
			return nil, fmt.Errorf("foundry: element %q preferred_size %q: %w", ye.Name, ye.PreferredSize, err)
		}
		mem, err := units.RAMInBytes(ye.Memory)
		if err != nil {
			return nil, fmt.Errorf("foundry: element %q memory %q: %w", ye.Name, ye.Memory, err)
		}

		rec.Elements = append(rec.Elements, types.Element{
			Name:          ye.Name,
			Arch:          types.Arch(ye.Arch),
			Source:        ye.Source,
			PreferredSize: size,
			Memory:        mem,
			CPUs:          ye.CPUs,
			BootCommands:  ye.BootCommands,
			Fabricators:   ye.Fabricators,
			TPM:           ye.TPM,
		})
	}
	return rec, nil
}
