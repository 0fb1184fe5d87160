package protocol

import (
	"encoding/binary"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

var (
	// ErrDecode covers every way inbound bytes can be bad: truncated,
	// wrong magic, unrecognized kind, garbage payload. Callers drop the
	// datagram and move on.
	ErrDecode = eris.New("malformed wire data")

	// ErrMessageTooLarge is an encode-time error: the message would not
	// fit in one datagram. That is a bug in the caller, not in the peer.
	ErrMessageTooLarge = eris.New("message exceeds max datagram size")
)

// Encode serializes m into a single datagram-sized buffer. Deterministic:
// the same message always yields the same bytes.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, eris.Errorf("encode: invalid kind %d", m.Kind)
	}
	if m.Payload == nil {
		return nil, eris.Errorf("encode %s: nil payload", m.Kind)
	}
	pb, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s payload", m.Kind)
	}
	if HeaderSize+len(pb) > MaxDatagramSize {
		return nil, eris.Wrapf(ErrMessageTooLarge, "%s: %d bytes", m.Kind, HeaderSize+len(pb))
	}

	b := make([]byte, HeaderSize, HeaderSize+len(pb))
	b[0] = Magic
	b[1] = byte(m.Kind)
	binary.BigEndian.PutUint32(b[2:6], m.Seq)
	binary.BigEndian.PutUint64(b[6:14], m.Tick)
	return append(b, pb...), nil
}

// Decode parses one datagram back into a Message. Arbitrary bytes never
// panic: anything that doesn't parse comes back as ErrDecode.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, eris.Wrapf(ErrDecode, "short datagram: %d bytes", len(b))
	}
	if b[0] != Magic {
		return Message{}, eris.Wrapf(ErrDecode, "bad magic 0x%02x", b[0])
	}
	kind := Kind(b[1])
	if !kind.Valid() {
		return Message{}, eris.Wrapf(ErrDecode, "unknown kind %d", b[1])
	}

	m := Message{
		Kind: kind,
		Seq:  binary.BigEndian.Uint32(b[2:6]),
		Tick: binary.BigEndian.Uint64(b[6:14]),
	}

	payload, err := decodePayload(kind, b[HeaderSize:])
	if err != nil {
		return Message{}, err
	}
	m.Payload = payload
	return m, nil
}

func decodePayload(kind Kind, pb []byte) (any, error) {
	switch kind {
	case KindJoin:
		return unmarshal[Join](kind, pb)
	case KindWelcome:
		return unmarshal[Welcome](kind, pb)
	case KindInput:
		return unmarshal[Input](kind, pb)
	case KindState:
		return unmarshal[State](kind, pb)
	case KindPing:
		return unmarshal[Ping](kind, pb)
	case KindPong:
		return unmarshal[Pong](kind, pb)
	case KindBye:
		return unmarshal[Bye](kind, pb)
	case KindRegister:
		return unmarshal[Register](kind, pb)
	case KindLookup:
		return unmarshal[Lookup](kind, pb)
	case KindLookupReply:
		return unmarshal[LookupReply](kind, pb)
	default:
		return nil, eris.Wrapf(ErrDecode, "unknown kind %d", kind)
	}
}

func unmarshal[T any](kind Kind, pb []byte) (T, error) {
	var out T
	if len(pb) == 0 {
		return out, eris.Wrapf(ErrDecode, "%s: empty payload", kind)
	}
	if err := json.Unmarshal(pb, &out); err != nil {
		return out, eris.Wrapf(ErrDecode, "%s payload: %v", kind, err)
	}
	return out, nil
}
