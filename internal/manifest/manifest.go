// Package manifest models agent identity descriptors, their canonical
// signing form, and tiered trust evaluation.
package manifest

import (
	"fmt"
	"strings"
)

// DefaultAuthSchemes returns the auth schemes the core understands. The
// set a manifest may declare is passed to New explicitly; this is the
// value to pass when the deployment does not restrict it.
func DefaultAuthSchemes() []string {
	return []string{"none", "api-key", "bearer", "oauth2", "mtls"}
}

// UnsupportedAuthSchemeError names the offending scheme and the supported
// set, raised at construction time.
type UnsupportedAuthSchemeError struct {
	Scheme    string
	Supported []string
}

func (e *UnsupportedAuthSchemeError) Error() string {
	return fmt.Sprintf("unsupported auth scheme %q (supported: %s)",
		e.Scheme, strings.Join(e.Supported, ", "))
}

// Skill describes one capability an agent offers.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities describes what an agent can do over the protocol.
type Capabilities struct {
	Skills          []Skill `json:"skills"`
	Streaming       bool    `json:"streaming"`
	Persistence     bool    `json:"persistence"`
	ProtocolVersion string  `json:"protocol_version"`
}

// Endpoints lists where the agent can be reached.
type Endpoints struct {
	HTTP      string `json:"http,omitempty"`
	WebSocket string `json:"websocket,omitempty"`
}

// Auth declares the schemes the agent accepts.
type Auth struct {
	Schemes []string `json:"schemes"`
}

// SLA optionally declares service expectations.
type SLA struct {
	AvailabilityPct float64 `json:"availability_pct,omitempty"`
	MaxResponseMS   int     `json:"max_response_ms,omitempty"`
}

// Manifest is an agent's self-description.
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Endpoints    Endpoints    `json:"endpoints"`
	Auth         Auth         `json:"auth"`
	SLA          *SLA         `json:"sla,omitempty"`
}

// New validates and builds a manifest. The supported auth-scheme set is
// explicit configuration; a nil slice means DefaultAuthSchemes. Declared
// schemes outside the set fail construction with an
// UnsupportedAuthSchemeError.
func New(m Manifest, supported []string) (*Manifest, error) {
	if supported == nil {
		supported = DefaultAuthSchemes()
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest id is required")
	}
	if !strings.HasPrefix(m.ID, "asap:agent:") {
		return nil, fmt.Errorf("manifest id %q must start with %q", m.ID, "asap:agent:")
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest name is required")
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest version is required")
	}
	for _, scheme := range m.Auth.Schemes {
		if !schemeSupported(scheme, supported) {
			return nil, &UnsupportedAuthSchemeError{Scheme: scheme, Supported: supported}
		}
	}
	return &m, nil
}

func schemeSupported(scheme string, supported []string) bool {
	for _, s := range supported {
		if s == scheme {
			return true
		}
	}
	return false
}
