// Package simconfig loads the demo binary's bootstrap configuration: the
// handful of identity/connection settings a real deployment would pass
// in some out-of-band way (spec §1 lists configuration provisioning as an
// out-of-scope external collaborator) but a standalone demo needs from
// somewhere.
package simconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the demo binary's bootstrap file, distinct from the OCPP
// configuration registry: it says who this charge point is and where to
// dial, not how it behaves once connected.
type Config struct {
	ChargePointID     string `yaml:"chargePointId"`
	CentralSystemURL  string `yaml:"centralSystemUrl"`
	ConnectorIDs      []int  `yaml:"connectorIds"`
	StoragePath       string `yaml:"storagePath"`
	ControlPort       string `yaml:"controlPort"`
}

// Default returns a Config usable without any file present: one
// connector, local storage, random control port. Host identity and the
// central system URL still need to come from somewhere, so those two
// fields are left empty for the caller to fill in from flags.
func Default() *Config {
	return &Config{
		ConnectorIDs: []int{1},
		StoragePath:  "db",
	}
}

// Load reads a YAML bootstrap file at path, overlaying it onto Default.
// A missing file is not an error: the demo falls back to defaults plus
// whatever flags the caller supplies afterward.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
