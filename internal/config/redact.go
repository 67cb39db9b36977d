package config

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// Redact returns a deep copy of cfg with credentials replaced by
// RedactedValue. The original cfg is not mutated.
func Redact(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}

	for i := range cp.Authentication.Tokens {
		cp.Authentication.Tokens[i] = RedactedValue
	}
	for k := range cp.Tracing.Headers {
		cp.Tracing.Headers[k] = RedactedValue
	}
	return &cp, nil
}

// MarshalRedacted renders cfg as YAML with credentials redacted.
func MarshalRedacted(cfg *Config) ([]byte, error) {
	cp, err := Redact(cfg)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(cp)
}
