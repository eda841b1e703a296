package world

import "testing"

func TestRateLimitAllowWindow(t *testing.T) {
	a := NewAgent("a1", "acme")

	ok, _ := a.RateLimitAllow("warn", 10, 20, 2)
	if !ok {
		t.Fatalf("first emit should pass")
	}
	ok, _ = a.RateLimitAllow("warn", 11, 20, 2)
	if !ok {
		t.Fatalf("second emit should pass")
	}
	ok, cooldown := a.RateLimitAllow("warn", 12, 20, 2)
	if ok {
		t.Fatalf("third emit should be limited")
	}
	if cooldown != 18 {
		t.Fatalf("cooldown: got %d want 18", cooldown)
	}

	// Window resets at start+window.
	ok, _ = a.RateLimitAllow("warn", 30, 20, 2)
	if !ok {
		t.Fatalf("emit after window reset should pass")
	}
}

func TestClampNeeds(t *testing.T) {
	a := NewAgent("a1", "acme")
	a.Hunger = -3
	a.Energy = 140
	a.Health = 101
	a.Balance = -50
	a.ClampNeeds(100, 100)
	if a.Hunger != 0 || a.Energy != 100 || a.Health != 100 {
		t.Fatalf("clamp: got hunger=%v energy=%v health=%v", a.Hunger, a.Energy, a.Health)
	}
	if a.Balance != -50 {
		t.Fatalf("balance must not be clamped: got %v", a.Balance)
	}
}

func TestTakeUnits(t *testing.T) {
	p := &ResourcePool{Name: "food", Amount: 1.5, Max: 10}
	if got := p.TakeUnits(1); got != 1 {
		t.Fatalf("take 1: got %v", got)
	}
	if got := p.TakeUnits(1); got != 0.5 {
		t.Fatalf("take from low pool: got %v", got)
	}
	if got := p.TakeUnits(1); got != 0 {
		t.Fatalf("take from empty pool: got %v", got)
	}
}
