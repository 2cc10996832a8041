package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks registration parameters and pair definitions.
func (c *Config) Validate() error {
	if err := c.Registration.Validate(); err != nil {
		return err
	}
	if len(c.Pairs) > 0 && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when pairs are defined")
	}

	seen := make(map[string]bool, len(c.Pairs))
	for i, p := range c.Pairs {
		if p.ID == "" {
			return fmt.Errorf("pairs[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pairs[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if p.SourceTopic == "" {
			return fmt.Errorf("pairs[%d].sourceTopic is required for %s", i, p.ID)
		}
		if p.TargetTopic == "" && (p.TargetURL == nil || *p.TargetURL == "") {
			return fmt.Errorf("pairs[%d] needs a targetTopic or targetUrl for %s", i, p.ID)
		}
		if p.TargetTopic == p.SourceTopic {
			return fmt.Errorf("pairs[%d] source and target topic are the same for %s", i, p.ID)
		}
	}
	return nil
}

// Validate checks strategy names and numeric parameters.
func (r RegistrationConfig) Validate() error {
	if _, ok := EstimatorByName(r.Estimator); !ok {
		return fmt.Errorf("%w: unknown estimator %q", ErrInvalidConfig, r.Estimator)
	}
	if _, ok := SearcherByName(r.Searcher); !ok {
		return fmt.Errorf("%w: unknown searcher %q", ErrInvalidConfig, r.Searcher)
	}
	if _, ok := RejectorByName(r.Rejector, DefaultICPConfig()); !ok {
		return fmt.Errorf("%w: unknown rejector %q", ErrInvalidConfig, r.Rejector)
	}
	return r.ICPConfig().Validate()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// InitialGuesses returns the starting transform for each pair.
// A converged cached result wins over the configured guess.
func InitialGuesses(config *Config, cache *ResultCache) map[string]Matrix4 {
	guesses := make(map[string]Matrix4)

	for _, p := range config.Pairs {
		if p.Guess != nil {
			guesses[p.ID] = p.Guess.Matrix()
		}
	}

	if cache != nil {
		for id, r := range cache.Pairs {
			if r.Converged && config.GetPairByID(id) != nil {
				guesses[id] = r.Transform
			}
		}
	}

	return guesses
}
