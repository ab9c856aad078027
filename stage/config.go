package stage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/rules"
)

// Config holds the properties a host sets on a transform stage.
type Config struct {
	// Rulebook is the rulebook source text.
	Rulebook string `json:"rulebook"`
	// Schema is the output schema as Avro-style JSON.
	Schema string `json:"schema"`
	// RulebookID names a persisted rulebook. When set it takes precedence over Rulebook.
	RulebookID string `json:"rulebookid,omitempty"`
}

// Validate checks that the required properties are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Rulebook) == "" && strings.TrimSpace(c.RulebookID) == "" {
		return errors.New("either rulebook or rulebookid must be set")
	}
	if strings.TrimSpace(c.Schema) == "" {
		return errors.New("schema must be set")
	}
	return nil
}

// Configure validates cfg the way a pipeline does before deployment: the rulebook
// compiles, an engine initializes over it in the validation environment, and the
// schema parses. It returns the output schema the stage will emit. A config that only
// names a persisted rulebook is checked for its schema here and resolved by Manager.
func Configure(cfg Config) (*record.Schema, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.RulebookID == "" {
		rb, err := rules.Compile(cfg.Rulebook)
		if err != nil {
			return nil, err
		}
		engine := rules.NewInferenceEngine(rb, &rules.ExecutorContext{Environment: rules.EnvironmentValidation})
		if err := engine.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize rulebook %q: %w", rb.Name, err)
		}
	}

	schema, err := record.ParseSchema([]byte(cfg.Schema))
	if err != nil {
		return nil, fmt.Errorf("invalid output schema: %w", err)
	}
	return schema, nil
}
