package game

import "math"

// Step advances the world exactly one tick. Deterministic: the same state
// plus the same inputs always produces the same state, which is what lets
// clients predict and lets tests replay ticks. Entities iterate in sorted
// order, never map order.
func Step(s *State, inputs map[string]Input) {
	s.Tick++

	for _, id := range s.sortedIDs() {
		e := s.Entities[id]
		inp := inputs[id] // zero value = no input, entity just coasts

		ax := inp.X
		ay := inp.Y
		mag := math.Hypot(ax, ay)
		if mag > Deadzone {
			e.VX += ax / mag * AccelPerTick
			e.VY += ay / mag * AccelPerTick
		}

		e.VX /= DampingDiv
		e.VY /= DampingDiv

		speed := math.Hypot(e.VX, e.VY)
		if speed > MaxSpeed {
			scale := MaxSpeed / speed
			e.VX *= scale
			e.VY *= scale
		}

		e.X += e.VX
		e.Y += e.VY

		if e.X < 0 {
			e.X, e.VX = 0, 0
		} else if e.X > MapWidth {
			e.X, e.VX = MapWidth, 0
		}
		if e.Y < 0 {
			e.Y, e.VY = 0, 0
		} else if e.Y > MapHeight {
			e.Y, e.VY = MapHeight, 0
		}
	}
}

// Spawn places a new entity on the map. The spawn point derives from the
// ordinal so joins land spread out instead of stacked.
func Spawn(s *State, id, name string, ordinal int) *Entity {
	d := SpawnSpacing * float64(ordinal)
	e := &Entity{
		ID:    id,
		Name:  name,
		X:     math.Mod(d, MapWidth),
		Y:     math.Mod(d, MapHeight),
		Layer: DefaultLayer,
	}
	s.Entities[id] = e
	return e
}
