package game

import "sort"

// Authoritative world truth on the server; a predicted mirror on clients.
// Mutated only by the loop that owns it, once per tick.

type State struct {
	Tick     uint64
	Entities map[string]*Entity
}

type Entity struct {
	ID           string
	Name         string
	X, Y, VX, VY float64
	Layer        string
	Data         map[string]string
}

// Input is one player's intent for a tick: a movement vector in -1..1 and
// an optional free-form action tag interpreted by game rules.
type Input struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Action string  `json:"action,omitempty"`
}

func NewState() *State {
	return &State{Entities: make(map[string]*Entity)}
}

func (s *State) Clone() *State {
	out := &State{
		Tick:     s.Tick,
		Entities: make(map[string]*Entity, len(s.Entities)),
	}
	for id, e := range s.Entities {
		out.Entities[id] = e.clone()
	}
	return out
}

func (e *Entity) clone() *Entity {
	cp := *e
	if e.Data != nil {
		cp.Data = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// sortedIDs gives a stable iteration order over the entity map. Every pass
// over entities goes through this so a tick's outcome never depends on map
// iteration order.
func (s *State) sortedIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
