package catalogs

import (
	"path/filepath"
	"testing"

	"agorasim.ai/internal/protocol"
)

func TestLoadRepoCatalogs(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "..", "catalogs"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cat, ok := c.EventTypes.Resolve(protocol.EventTickStart)
	if !ok || cat != protocol.CategoryInfrastructure {
		t.Fatalf("tick_start: got (%q, %v)", cat, ok)
	}
	cat, ok = c.EventTypes.Resolve("puzzle_solved")
	if !ok || cat != protocol.CategoryPuzzle {
		t.Fatalf("puzzle_solved: got (%q, %v)", cat, ok)
	}
	cat, ok = c.EventTypes.Resolve("definitely_not_registered")
	if ok {
		t.Fatalf("expected unknown type unresolved")
	}
	if cat != protocol.CategoryEmergent {
		t.Fatalf("unknown type fallback: got %q want emergent", cat)
	}

	if _, ok := c.Actions.Defs["work"]; !ok {
		t.Fatalf("missing work action def")
	}
	if _, ok := c.Presets.ByID["epidemic_waves"]; !ok {
		t.Fatalf("missing epidemic_waves preset")
	}
	if c.EventTypes.Digest == "" || c.Actions.Digest == "" {
		t.Fatalf("missing digests")
	}
}
