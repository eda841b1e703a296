package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the numeric balance of the simulation: decay rates,
// thresholds, grace windows, currency decay, and shock scaling. One Tuning is
// shared read-only by every tenant engine; per-tenant knobs (interval,
// quotas) live in the tenants config instead.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	MaxNeed   float64 `yaml:"max_need"`
	MaxHealth float64 `yaml:"max_health"`

	HungerDecayPerTick float64 `yaml:"hunger_decay_per_tick"`
	EnergyDecayPerTick float64 `yaml:"energy_decay_per_tick"`

	StateMultipliers map[string]StateMultiplier `yaml:"state_multipliers"`

	LowHungerThreshold     float64 `yaml:"low_hunger_threshold"`
	LowHungerEnergyPenalty float64 `yaml:"low_hunger_energy_penalty"`

	CriticalHungerThreshold    float64 `yaml:"critical_hunger_threshold"`
	GraceTicksBeforeDamage     int     `yaml:"grace_ticks_before_damage"`
	CriticalHungerHealthDamage float64 `yaml:"critical_hunger_health_damage"`

	CriticalEnergyThreshold    float64 `yaml:"critical_energy_threshold"`
	CriticalEnergyHealthDamage float64 `yaml:"critical_energy_health_damage"`

	WellFedThreshold    float64 `yaml:"well_fed_threshold"`
	PassiveRegenPerTick float64 `yaml:"passive_regen_per_tick"`

	AutoConsume AutoConsume `yaml:"auto_consume"`

	CurrencyDecay CurrencyDecay `yaml:"currency_decay"`

	Shock ShockTuning `yaml:"shock"`

	DecisionTimeoutMs int `yaml:"decision_timeout_ms"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type StateMultiplier struct {
	Hunger float64 `yaml:"hunger"`
	Energy float64 `yaml:"energy"`
}

// AutoConsume is the safety net for sleeping agents: below the hunger bar,
// one unit of the named resource pool is consumed silently.
type AutoConsume struct {
	Enabled       bool    `yaml:"enabled"`
	BelowHunger   float64 `yaml:"below_hunger"`
	RestoreHunger float64 `yaml:"restore_hunger"`
	Resource      string  `yaml:"resource"`
}

type CurrencyDecay struct {
	EveryTicks int     `yaml:"every_ticks"`
	Threshold  float64 `yaml:"threshold"`
	Fraction   float64 `yaml:"fraction"`
}

type ShockTuning struct {
	PlagueDamageScale     float64 `yaml:"plague_damage_scale"`
	ImmigrationBaseAgents int     `yaml:"immigration_base_agents"`
	DefaultStepDelayTicks int     `yaml:"default_step_delay_ticks"`
}

// RateLimits bound how often per-agent warning events are emitted, so a
// starving agent does not flood the log every tick.
type RateLimits struct {
	WarnWindowTicks int `yaml:"warn_window_ticks"`
	WarnMax         int `yaml:"warn_max"`
}

func Default() Tuning {
	return Tuning{
		ProtocolVersion: "0.1",

		MaxNeed:   100,
		MaxHealth: 100,

		HungerDecayPerTick: 2,
		EnergyDecayPerTick: 2,

		StateMultipliers: map[string]StateMultiplier{
			"idle":     {Hunger: 1.0, Energy: 1.0},
			"walking":  {Hunger: 1.2, Energy: 1.5},
			"working":  {Hunger: 1.5, Energy: 2.0},
			"sleeping": {Hunger: 0.5, Energy: 0.0},
		},

		LowHungerThreshold:     25,
		LowHungerEnergyPenalty: 1,

		CriticalHungerThreshold:    10,
		GraceTicksBeforeDamage:     3,
		CriticalHungerHealthDamage: 5,

		CriticalEnergyThreshold:    5,
		CriticalEnergyHealthDamage: 3,

		WellFedThreshold:    60,
		PassiveRegenPerTick: 1,

		AutoConsume: AutoConsume{
			Enabled:       true,
			BelowHunger:   20,
			RestoreHunger: 30,
			Resource:      "food",
		},

		CurrencyDecay: CurrencyDecay{
			EveryTicks: 100,
			Threshold:  1000,
			Fraction:   0.02,
		},

		Shock: ShockTuning{
			PlagueDamageScale:     100,
			ImmigrationBaseAgents: 5,
			DefaultStepDelayTicks: 10,
		},

		DecisionTimeoutMs: 2000,

		RateLimits: RateLimits{
			WarnWindowTicks: 20,
			WarnMax:         2,
		},
	}
}

// Load reads the yaml file over the defaults; keys absent from the file keep
// their default values.
func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Validate() error {
	if t.MaxNeed <= 0 || t.MaxHealth <= 0 {
		return fmt.Errorf("max_need and max_health must be positive")
	}
	if t.HungerDecayPerTick < 0 || t.EnergyDecayPerTick < 0 {
		return fmt.Errorf("decay rates must be non-negative")
	}
	for state, m := range t.StateMultipliers {
		if m.Hunger < 0 || m.Energy < 0 {
			return fmt.Errorf("state_multipliers.%s: negative multiplier", state)
		}
	}
	if t.CriticalHungerThreshold > t.LowHungerThreshold {
		return fmt.Errorf("critical_hunger_threshold %v above low_hunger_threshold %v", t.CriticalHungerThreshold, t.LowHungerThreshold)
	}
	if t.GraceTicksBeforeDamage < 0 {
		return fmt.Errorf("grace_ticks_before_damage must be non-negative")
	}
	if t.CurrencyDecay.EveryTicks < 0 {
		return fmt.Errorf("currency_decay.every_ticks must be non-negative")
	}
	if t.CurrencyDecay.Fraction < 0 || t.CurrencyDecay.Fraction > 1 {
		return fmt.Errorf("currency_decay.fraction must be in [0,1]")
	}
	if t.Shock.ImmigrationBaseAgents <= 0 {
		return fmt.Errorf("shock.immigration_base_agents must be positive")
	}
	if t.Shock.DefaultStepDelayTicks <= 0 {
		return fmt.Errorf("shock.default_step_delay_ticks must be positive")
	}
	if t.DecisionTimeoutMs <= 0 {
		return fmt.Errorf("decision_timeout_ms must be positive")
	}
	return nil
}

// Multiplier returns the decay scaling for an agent state. Unknown states
// decay at the idle rate.
func (t *Tuning) Multiplier(state string) StateMultiplier {
	if m, ok := t.StateMultipliers[state]; ok {
		return m
	}
	if m, ok := t.StateMultipliers["idle"]; ok {
		return m
	}
	return StateMultiplier{Hunger: 1, Energy: 1}
}
