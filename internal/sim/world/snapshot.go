package world

// Snapshot is a value copy of one tenant's world taken at the end of a tick.
// It backs read caches and observer queries so neither has to touch the
// scheduler's loop-owned state.
type Snapshot struct {
	TenantID string         `json:"tenant_id"`
	Tick     uint64         `json:"tick"`
	TakenAt  string         `json:"taken_at"`
	Agents   []Agent        `json:"agents"`
	Pools    []ResourcePool `json:"pools"`
	Alive    int            `json:"alive"`
}

// Agent returns the snapshot's copy of one agent.
func (s *Snapshot) Agent(id string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Pool returns the snapshot's copy of one resource pool.
func (s *Snapshot) Pool(name string) (ResourcePool, bool) {
	for _, p := range s.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return ResourcePool{}, false
}
