package simulator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the initial register image of a simulated device.
type Seed struct {
	Listen string      `yaml:"listen"`
	Points []SeedPoint `yaml:"points"`
}

// SeedPoint sets one value. Bank is coil | discrete | holding | input; DataType
// is one of the gateway's register types and decides how many words are written.
type SeedPoint struct {
	Name     string  `yaml:"name"`
	Bank     string  `yaml:"bank"`
	Address  uint16  `yaml:"address"`
	DataType string  `yaml:"data_type"`
	Value    float64 `yaml:"value"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if seed.Listen == "" {
		seed.Listen = "127.0.0.1:1502"
	}
	return seed, nil
}

func parseBank(s string) (Bank, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils":
		return Coils, nil
	case "discrete", "discrete_input", "discrete_inputs":
		return DiscreteInputs, nil
	case "holding", "holding_register", "holding_registers", "":
		return HoldingRegisters, nil
	case "input", "input_register", "input_registers":
		return InputRegisters, nil
	default:
		return 0, fmt.Errorf("unknown bank %q", s)
	}
}

// Apply writes every point into the device.
func (d *Device) Apply(seed Seed) error {
	for _, p := range seed.Points {
		if err := d.applyPoint(p); err != nil {
			return fmt.Errorf("point %q: %w", p.Name, err)
		}
	}
	return nil
}

func (d *Device) applyPoint(p SeedPoint) error {
	bank, err := parseBank(p.Bank)
	if err != nil {
		return err
	}
	if bank == Coils || bank == DiscreteInputs {
		return d.SetBit(bank, p.Address, p.Value != 0)
	}

	switch strings.ToLower(strings.TrimSpace(p.DataType)) {
	case "float32":
		return d.SetFloat32(bank, p.Address, float32(p.Value))
	case "uint32":
		return d.SetUint32(bank, p.Address, uint32(p.Value))
	case "int32":
		return d.SetUint32(bank, p.Address, uint32(int32(p.Value)))
	case "int16":
		return d.SetWord(bank, p.Address, uint16(int16(p.Value)))
	case "boolean":
		var w uint16
		if p.Value != 0 {
			w = 1
		}
		return d.SetWord(bank, p.Address, w)
	default:
		return d.SetWord(bank, p.Address, uint16(p.Value))
	}
}
