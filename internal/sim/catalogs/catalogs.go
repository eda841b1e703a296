package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agorasim.ai/internal/protocol"
)

type Catalogs struct {
	EventTypes EventTypeCatalog
	Actions    ActionCatalog
	Presets    PresetCatalog
}

// EventTypeCatalog is the static registry that classifies stored events.
// Engine-emitted types are built in; the file adds game-subsystem types and
// may override builtin categories.
type EventTypeCatalog struct {
	Defs   map[string]EventTypeDef
	Digest string
}

type EventTypeDef struct {
	Type        string            `json:"type"`
	Category    protocol.Category `json:"category"`
	Description string            `json:"description,omitempty"`
}

// Resolve maps an event type to its category. ok=false means the type is not
// registered; callers fall back to emergent and log a warning.
func (c *EventTypeCatalog) Resolve(eventType string) (protocol.Category, bool) {
	d, ok := c.Defs[eventType]
	if !ok {
		return protocol.CategoryEmergent, false
	}
	return d.Category, true
}

type ActionCatalog struct {
	Defs   map[string]ActionDef
	Digest string
}

type ActionDef struct {
	Type          string  `json:"type"`
	State         string  `json:"state,omitempty"`
	Event         string  `json:"event,omitempty"`
	EnergyCost    float64 `json:"energy_cost,omitempty"`
	RewardBalance float64 `json:"reward_balance,omitempty"`
	Resource      string  `json:"resource,omitempty"`
	RestoreHunger float64 `json:"restore_hunger,omitempty"`
	RestoreEnergy float64 `json:"restore_energy,omitempty"`
}

type PresetCatalog struct {
	ByID   map[string]ShockPreset
	Digest string
}

// ShockPreset is a named perturbation scenario. Composite stays raw JSON so
// this package does not depend on the shock layer; the admin surface decodes
// and validates it on use.
type ShockPreset struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Composite   json.RawMessage `json:"composite"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadEventTypes(filepath.Join(configDir, "event_types.json"), &c.EventTypes); err != nil {
		return nil, err
	}
	if err := loadActions(filepath.Join(configDir, "actions.json"), &c.Actions); err != nil {
		return nil, err
	}
	if err := loadPresets(filepath.Join(configDir, "presets"), &c.Presets); err != nil {
		return nil, err
	}

	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func builtinEventTypes() map[string]EventTypeDef {
	defs := map[string]EventTypeDef{}
	add := func(t string, cat protocol.Category) {
		defs[t] = EventTypeDef{Type: t, Category: cat}
	}
	add(protocol.EventTickStart, protocol.CategoryInfrastructure)
	add(protocol.EventTickEnd, protocol.CategoryInfrastructure)
	add(protocol.EventCurrencyDecay, protocol.CategoryInfrastructure)
	add(protocol.EventShockApplied, protocol.CategoryInfrastructure)
	add(protocol.EventShockFailed, protocol.CategoryObservation)

	add(protocol.EventLowHungerWarning, protocol.CategoryEmergent)
	add(protocol.EventCriticalHungerWarning, protocol.CategoryEmergent)
	add(protocol.EventCriticalEnergy, protocol.CategoryEmergent)
	add(protocol.EventHealthDamaged, protocol.CategoryEmergent)
	add(protocol.EventHealthRegenerated, protocol.CategoryEmergent)
	add(protocol.EventAutoConsume, protocol.CategoryEmergent)
	add(protocol.EventAgentDied, protocol.CategoryEmergent)

	add(protocol.EventAgentMoved, protocol.CategoryEmergent)
	add(protocol.EventAgentRested, protocol.CategoryEmergent)
	add(protocol.EventAgentWorked, protocol.CategoryEmergent)
	add(protocol.EventAgentConsumed, protocol.CategoryEmergent)
	add(protocol.EventAgentSpawned, protocol.CategoryInfrastructure)
	return defs
}

func loadEventTypes(path string, out *EventTypeCatalog) error {
	out.Defs = builtinEventTypes()

	raw, err := os.ReadFile(path)
	if err != nil {
		// Builtins alone are a valid registry.
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []EventTypeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("event_types.json: %w", err)
	}
	for _, d := range defs {
		if d.Type == "" {
			return fmt.Errorf("event_types.json: empty type")
		}
		if !protocol.ValidCategory(d.Category) {
			return fmt.Errorf("event_types.json: %s: bad category %q", d.Type, d.Category)
		}
		out.Defs[d.Type] = d
	}
	return nil
}

func loadActions(path string, out *ActionCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []ActionDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("actions.json: %w", err)
	}
	out.Defs = map[string]ActionDef{}
	for _, d := range defs {
		if d.Type == "" {
			return fmt.Errorf("actions.json: empty type")
		}
		out.Defs[d.Type] = d
	}
	return nil
}

func loadPresets(dir string, out *PresetCatalog) error {
	out.ByID = map[string]ShockPreset{}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		// Presets are optional.
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		var ps ShockPreset
		if err := json.Unmarshal(b, &ps); err != nil {
			return fmt.Errorf("preset %s: %w", filepath.Base(p), err)
		}
		if ps.ID == "" {
			return fmt.Errorf("preset %s: missing id", filepath.Base(p))
		}
		out.ByID[ps.ID] = ps
	}
	out.Digest = sha256Hex(concat.Bytes())
	return nil
}

// SortedEventTypes returns registered types in stable order, for manifests
// and admin listings.
func (c *EventTypeCatalog) SortedEventTypes() []string {
	out := make([]string, 0, len(c.Defs))
	for t := range c.Defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
