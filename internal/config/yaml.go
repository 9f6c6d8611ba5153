package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalYAML renders cfg as YAML. Secrets are masked.
func MarshalYAML(cfg *Config) ([]byte, error) {
	redacted := *cfg
	redacted.Auth.Secret = mask(cfg.Auth.Secret)
	redacted.Admin.Token = mask(cfg.Admin.Token)
	redacted.Redis.Password = mask(cfg.Redis.Password)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalSecurityYAML renders a security snapshot as YAML.
func MarshalSecurityYAML(s *SecurityConfig) ([]byte, error) {
	return yaml.Marshal(s)
}

// ParseSecurityYAML decodes a security snapshot. Unknown keys are rejected,
// missing limits take their defaults, and the result is validated. JSON
// documents are accepted too since JSON is a subset of YAML.
func ParseSecurityYAML(data []byte) (*SecurityConfig, error) {
	s := DefaultSecurityConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("decoding security config: %w", err)
	}

	FillSecurityDefaults(s)
	if err := ValidateSecurity(s); err != nil {
		return nil, err
	}
	return s, nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
