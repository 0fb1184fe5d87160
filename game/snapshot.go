package game

// EntitySnapshot is the wire shape of one entity. A snapshot is always the
// complete entity set: an entity missing from a snapshot that was present
// in the previous one has been removed.
type EntitySnapshot struct {
	ID    string            `json:"id"`
	Name  string            `json:"name,omitempty"`
	X     float64           `json:"x"`
	Y     float64           `json:"y"`
	VX    float64           `json:"vx"`
	VY    float64           `json:"vy"`
	Layer string            `json:"layer,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Snapshot flattens the world into a deterministic (ID-sorted) slice.
func (s *State) Snapshot() []EntitySnapshot {
	out := make([]EntitySnapshot, 0, len(s.Entities))
	for _, id := range s.sortedIDs() {
		e := s.Entities[id]
		out = append(out, EntitySnapshot{
			ID:    e.ID,
			Name:  e.Name,
			X:     e.X,
			Y:     e.Y,
			VX:    e.VX,
			VY:    e.VY,
			Layer: e.Layer,
			Data:  e.Data,
		})
	}
	return out
}

// ApplySnapshot replaces the world with an authoritative snapshot. Entities
// not present in the snapshot are dropped.
func (s *State) ApplySnapshot(tick uint64, entities []EntitySnapshot) {
	s.Tick = tick
	next := make(map[string]*Entity, len(entities))
	for _, es := range entities {
		next[es.ID] = &Entity{
			ID:    es.ID,
			Name:  es.Name,
			X:     es.X,
			Y:     es.Y,
			VX:    es.VX,
			VY:    es.VY,
			Layer: es.Layer,
			Data:  es.Data,
		}
	}
	s.Entities = next
}
