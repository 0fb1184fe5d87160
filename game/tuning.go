package game

const (
	MapWidth  = 2000.0
	MapHeight = 2000.0

	Deadzone     = 0.08
	AccelPerTick = 0.7
	DampingDiv   = 1.1
	MaxSpeed     = 9.0

	SpawnSpacing = 100.0 // distance between successive spawn points
	DefaultLayer = "main"
)
