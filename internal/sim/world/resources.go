package world

import "sort"

// ResourcePool is a tenant-wide stock of a consumable (food, fuel, ...).
// Amount stays in [0, Max]; shocks and consumption move it.
type ResourcePool struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
	Max    float64 `json:"max"`
}

func (p *ResourcePool) Clamp() {
	if p.Amount < 0 {
		p.Amount = 0
	}
	if p.Max > 0 && p.Amount > p.Max {
		p.Amount = p.Max
	}
}

// TakeUnits removes up to n units and reports how many were actually taken.
func (p *ResourcePool) TakeUnits(n float64) float64 {
	if n <= 0 || p.Amount <= 0 {
		return 0
	}
	took := n
	if took > p.Amount {
		took = p.Amount
	}
	p.Amount -= took
	return took
}

// SortedPoolNames gives deterministic iteration order over a pool map.
func SortedPoolNames(pools map[string]*ResourcePool) []string {
	names := make([]string, 0, len(pools))
	for n := range pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
