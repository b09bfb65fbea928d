package ioprofile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OCIPresetTable maps a shape to its measured rates. Flex shapes are keyed
// "<shape>-<ocpus>" because their disk array grows with the OCPU count.
type OCIPresetTable map[string]ociPreset

type ociPreset struct {
	ReadIOPS       int64 `yaml:"read_iops"`
	ReadBandwidth  int64 `yaml:"read_bandwidth"`
	WriteIOPS      int64 `yaml:"write_iops"`
	WriteBandwidth int64 `yaml:"write_bandwidth"`
}

// LoadOCIPresets reads the shape-keyed preset file maintained by the image
// build. A missing file yields an empty table, not an error: resolution then
// falls through to live measurement.
func LoadOCIPresets(path string) (OCIPresetTable, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return OCIPresetTable{}, nil
		}

		return nil, fmt.Errorf("read oci presets: %w", err)
	}

	var table OCIPresetTable

	err = yaml.Unmarshal(payload, &table)
	if err != nil {
		return nil, fmt.Errorf("decode oci presets: %w", err)
	}

	return table, nil
}

// Lookup resolves a shape, appending the OCPU count for Flex shapes.
func (t OCIPresetTable) Lookup(shape string, ocpus int) (preset, bool) {
	key := shape
	if strings.HasSuffix(shape, ".Flex") {
		key = fmt.Sprintf("%s-%d", shape, ocpus)
	}

	p, ok := t[key]
	if !ok {
		return preset{}, false
	}

	return preset{
		readIOPS: p.ReadIOPS, readBW: p.ReadBandwidth,
		writeIOPS: p.WriteIOPS, writeBW: p.WriteBandwidth,
	}, true
}
