package protocol

import "stepsync/game"

// Payloads coming in from clients.

type Join struct {
	Name string `json:"name,omitempty"` // requested player name, optional
}

type Input struct {
	Tick uint64     `json:"tick"` // client's local tick this input was produced at
	Move game.Input `json:"move"`
}

type Bye struct{}

// Payloads going out from the server.

type Welcome struct {
	PlayerID string `json:"playerId"`
	TickRate int    `json:"tickRate"`
}

type State struct {
	Tick     uint64                `json:"tick"`
	Entities []game.EntitySnapshot `json:"entities"`
}

// Latency probes, either direction. Pong echoes the ping's timestamp so the
// pinger can measure the round trip on its own clock.

type Ping struct {
	SentUnixNano int64 `json:"t"`
}

type Pong struct {
	EchoUnixNano int64 `json:"t"`
}

// Connector traffic. Register carries no address on purpose: the connector
// records the datagram's source address, which is the server's public one
// as seen from outside its NAT.

type Register struct {
	Name string `json:"name"`
}

type Lookup struct {
	Name string `json:"name"`
}

type LookupReply struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
	Host  string `json:"host,omitempty"`
	Port  int    `json:"port,omitempty"`
}
