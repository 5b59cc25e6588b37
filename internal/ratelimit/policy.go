package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the quota for one guarded endpoint.
type Policy struct {
	MaxRequests   int `yaml:"max_requests" json:"max_requests"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// Default quota applied when neither the policy file nor the route override
// a limit: 100 requests per hour.
var DefaultPolicy = Policy{MaxRequests: 100, WindowSeconds: 3600}

func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive (got %d)", p.MaxRequests)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive (got %d)", p.WindowSeconds)
	}
	return nil
}

// PolicySet is the full quota configuration: a default plus per-endpoint
// overrides keyed by route pattern.
type PolicySet struct {
	Defaults  Policy            `yaml:"defaults" json:"defaults"`
	Endpoints map[string]Policy `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// For returns the policy for an endpoint, falling back to the defaults.
func (ps PolicySet) For(endpoint string) Policy {
	if p, ok := ps.Endpoints[endpoint]; ok {
		return p
	}
	return ps.Defaults
}

func (ps PolicySet) Validate() error {
	if err := ps.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for ep, p := range ps.Endpoints {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", ep, err)
		}
	}
	return nil
}

// ParsePolicySet decodes a YAML policy document. An absent defaults block
// falls back to DefaultPolicy.
func ParsePolicySet(data []byte) (PolicySet, error) {
	var ps PolicySet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return PolicySet{}, fmt.Errorf("parsing rate limit policy: %w", err)
	}
	if ps.Defaults == (Policy{}) {
		ps.Defaults = DefaultPolicy
	}
	if err := ps.Validate(); err != nil {
		return PolicySet{}, err
	}
	return ps, nil
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) (PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("reading rate limit policy file: %w", err)
	}
	return ParsePolicySet(data)
}
