// Package config loads declarative credential configuration,
// both from YAML documents and from JSON credential files.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Config collects all configuration options.
type Config struct {
	Credential Credential `yaml:"credential"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Credential.Config == nil {
		return fmt.Errorf("credential is required")
	}

	return c.Credential.Config.Validate()
}

// rawConfig is a general struct to be used by other config structs to unmarshal yaml config first.
type rawConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// decode unmarshals a raw config map into a factory.
func decode(input map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      result,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
