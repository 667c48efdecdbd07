// Package profile loads and validates agent container profiles.
//
// A profile describes how to run one flavor of agent container: which image,
// which port the agent listens on, extra environment and default LLM provider
// settings. Profiles live in a single YAML catalog file that operators edit;
// the catalog is validated against a JSON schema at load time so a typo fails
// fast at startup instead of at first provision.
package profile

import (
	"fmt"

	"github.com/agentdock/agentdock/internal/controller/runtime"
)

// Profile describes one agent container flavor.
type Profile struct {
	Name      string            `yaml:"name" json:"name"`
	Image     string            `yaml:"image" json:"image"`
	AgentPort int               `yaml:"agent_port,omitempty" json:"agent_port,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Provider  string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model     string            `yaml:"model,omitempty" json:"model,omitempty"`
}

// Catalog is the set of profiles an operator has configured.
type Catalog struct {
	Default  string    `yaml:"default" json:"default"`
	Profiles []Profile `yaml:"profiles" json:"profiles"`

	byName map[string]*Profile
}

// Get returns the named profile, or the catalog default when name is empty.
func (c *Catalog) Get(name string) (*Profile, error) {
	if name == "" {
		name = c.Default
	}
	p, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// Names returns the configured profile names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		names = append(names, p.Name)
	}
	return names
}

// index builds the name lookup and applies defaults after load.
func (c *Catalog) index() error {
	c.byName = make(map[string]*Profile, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if _, exists := c.byName[p.Name]; exists {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		if p.AgentPort == 0 {
			p.AgentPort = runtime.DefaultAgentPort
		}
		c.byName[p.Name] = p
	}
	if _, ok := c.byName[c.Default]; !ok {
		return fmt.Errorf("default profile %q not defined", c.Default)
	}
	return nil
}

// DefaultCatalog returns the catalog used when no catalog file is configured:
// a single "default" profile running the given image.
func DefaultCatalog(image string) *Catalog {
	c := &Catalog{
		Default: "default",
		Profiles: []Profile{
			{Name: "default", Image: image, AgentPort: runtime.DefaultAgentPort},
		},
	}
	// index cannot fail on a single well-formed profile
	_ = c.index()
	return c
}
