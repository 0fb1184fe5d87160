package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stepsync/game"
)

func TestRoundTripAllKinds(t *testing.T) {
	msgs := []Message{
		{Kind: KindJoin, Seq: 1, Tick: 0, Payload: Join{Name: "alice"}},
		{Kind: KindWelcome, Seq: 2, Tick: 1, Payload: Welcome{PlayerID: "p-1", TickRate: 30}},
		{Kind: KindInput, Seq: 3, Tick: 7, Payload: Input{Tick: 7, Move: game.Input{X: 1, Y: -0.5, Action: "use"}}},
		{Kind: KindState, Seq: 4, Tick: 8, Payload: State{
			Tick: 8,
			Entities: []game.EntitySnapshot{
				{ID: "a", Name: "alice", X: 10, Y: 20, VX: 1, VY: 2, Layer: "main", Data: map[string]string{"hp": "10"}},
				{ID: "b", X: 30, Y: 40},
			},
		}},
		{Kind: KindPing, Seq: 5, Tick: 9, Payload: Ping{SentUnixNano: 123456789}},
		{Kind: KindPong, Seq: 6, Tick: 9, Payload: Pong{EchoUnixNano: 123456789}},
		{Kind: KindBye, Seq: 7, Tick: 10, Payload: Bye{}},
		{Kind: KindRegister, Seq: 8, Tick: 0, Payload: Register{Name: "arena"}},
		{Kind: KindLookup, Seq: 9, Tick: 0, Payload: Lookup{Name: "arena"}},
		{Kind: KindLookupReply, Seq: 10, Tick: 0, Payload: LookupReply{Name: "arena", Found: true, Host: "10.0.0.1", Port: 20000}},
	}
	for _, m := range msgs {
		t.Run(m.Kind.String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			require.LessOrEqual(t, len(b), MaxDatagramSize)

			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, m, got)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := Message{Kind: KindState, Seq: 1, Tick: 2, Payload: State{
		Tick:     2,
		Entities: []game.EntitySnapshot{{ID: "a", X: 1}, {ID: "b", X: 2}},
	}}
	b1, err := Encode(m)
	require.NoError(t, err)
	b2, err := Encode(m)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	valid, err := Encode(Message{Kind: KindJoin, Seq: 1, Payload: Join{Name: "x"}})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":           {},
		"truncated":       valid[:HeaderSize-3],
		"bad magic":       append([]byte{0x00}, valid[1:]...),
		"unknown kind":    func() []byte { b := append([]byte(nil), valid...); b[1] = 0x7f; return b }(),
		"corrupt payload": append(append([]byte(nil), valid[:HeaderSize]...), '{', 'n', 'o'),
		"empty payload":   valid[:HeaderSize],
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDecode), "want ErrDecode, got %v", err)
		})
	}
}

func TestEncodeOversizeFails(t *testing.T) {
	m := Message{Kind: KindState, Seq: 1, Payload: State{
		Entities: []game.EntitySnapshot{{
			ID:   "a",
			Data: map[string]string{"blob": strings.Repeat("x", MaxDatagramSize)},
		}},
	}}
	_, err := Encode(m)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMessageTooLarge), "want ErrMessageTooLarge, got %v", err)
}

func TestEncodeRejectsBadMessages(t *testing.T) {
	_, err := Encode(Message{Kind: Kind(99), Payload: Join{}})
	require.Error(t, err)

	_, err = Encode(Message{Kind: KindJoin, Payload: nil})
	require.Error(t, err)
}
