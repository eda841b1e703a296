package multitenant

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultTenantID string       `yaml:"default_tenant_id"`
	Tenants         []TenantSpec `yaml:"tenants"`
}

type TenantSpec struct {
	ID             string `yaml:"id"`
	TickIntervalMs int    `yaml:"tick_interval_ms"`

	// Daily quotas; zero disables the cap.
	DailyTickQuota  int `yaml:"daily_tick_quota"`
	DailyEventQuota int `yaml:"daily_event_quota"`
	DailyLLMQuota   int `yaml:"daily_llm_quota"`

	// Autostart schedulers begin ticking as soon as the server is up.
	Autostart bool `yaml:"autostart"`

	// LLMBacked deciders count against the LLM quota; past it the scripted
	// fallback takes over for the rest of the day.
	LLMBacked bool `yaml:"llm_backed"`

	SeedOffset int64 `yaml:"seed_offset"`

	Bootstrap BootstrapSpec `yaml:"bootstrap"`
}

type BootstrapSpec struct {
	Agents       int            `yaml:"agents"`
	AgentBalance float64        `yaml:"agent_balance"`
	Resources    []ResourceSpec `yaml:"resources,omitempty"`
}

type ResourceSpec struct {
	Name   string  `yaml:"name"`
	Amount float64 `yaml:"amount"`
	Max    float64 `yaml:"max"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("tenants.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("tenants.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultTenantID: "sandbox",
		Tenants: []TenantSpec{
			{
				ID:              "sandbox",
				TickIntervalMs:  1000,
				DailyTickQuota:  86400,
				DailyEventQuota: 500000,
				DailyLLMQuota:   10000,
				Autostart:       true,
				Bootstrap: BootstrapSpec{
					Agents:       5,
					AgentBalance: 500,
					Resources: []ResourceSpec{
						{Name: "food", Amount: 500, Max: 1000},
						{Name: "materials", Amount: 250, Max: 500},
					},
				},
			},
			{
				ID:              "staging",
				TickIntervalMs:  2000,
				DailyTickQuota:  5000,
				DailyEventQuota: 50000,
				SeedOffset:      1,
				Bootstrap: BootstrapSpec{
					Agents:       3,
					AgentBalance: 200,
					Resources: []ResourceSpec{
						{Name: "food", Amount: 200, Max: 400},
					},
				},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Tenants {
		t := &c.Tenants[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.TickIntervalMs <= 0 {
			t.TickIntervalMs = 1000
		}
		if t.DailyTickQuota < 0 {
			t.DailyTickQuota = 0
		}
		if t.DailyEventQuota < 0 {
			t.DailyEventQuota = 0
		}
		if t.DailyLLMQuota < 0 {
			t.DailyLLMQuota = 0
		}
		if t.Bootstrap.Agents < 0 {
			t.Bootstrap.Agents = 0
		}
		for j := range t.Bootstrap.Resources {
			r := &t.Bootstrap.Resources[j]
			r.Name = strings.TrimSpace(r.Name)
			// A pool with no explicit cap starts full.
			if r.Max <= 0 {
				r.Max = r.Amount
			}
		}
	}
	if strings.TrimSpace(c.DefaultTenantID) == "" && len(c.Tenants) > 0 {
		c.DefaultTenantID = c.Tenants[0].ID
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Tenants) == 0 {
		return fmt.Errorf("tenants must not be empty")
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant id must not be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id: %s", t.ID)
		}
		seen[t.ID] = true
		if t.TickIntervalMs <= 0 {
			return fmt.Errorf("tenant %s tick_interval_ms must be > 0", t.ID)
		}
		names := map[string]bool{}
		for _, r := range t.Bootstrap.Resources {
			if r.Name == "" {
				return fmt.Errorf("tenant %s has empty resource name", t.ID)
			}
			if names[r.Name] {
				return fmt.Errorf("tenant %s duplicate resource name: %s", t.ID, r.Name)
			}
			names[r.Name] = true
			if r.Amount < 0 {
				return fmt.Errorf("tenant %s resource %s amount must be >= 0", t.ID, r.Name)
			}
			if r.Amount > r.Max {
				return fmt.Errorf("tenant %s resource %s amount must be <= max", t.ID, r.Name)
			}
		}
	}
	if c.DefaultTenantID == "" {
		return fmt.Errorf("default_tenant_id must not be empty")
	}
	if !seen[c.DefaultTenantID] {
		return fmt.Errorf("default_tenant_id %q not found in tenants", c.DefaultTenantID)
	}
	return nil
}

// Manifest returns the tenant specs sorted by id.
func (c Config) Manifest() []TenantSpec {
	out := make([]TenantSpec, len(c.Tenants))
	copy(out, c.Tenants)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c Config) SpecByID(id string) (TenantSpec, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantSpec{}, false
}
