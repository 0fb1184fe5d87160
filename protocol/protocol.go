package protocol

// Wire format: every datagram carries exactly one message. A fixed binary
// header identifies the kind and carries the sender's sequence number and
// logical tick, followed by a JSON payload for that kind.
//
//	magic  uint8
//	kind   uint8
//	seq    uint32  big endian, per-sender, strictly increasing
//	tick   uint64  big endian, sender's logical clock
//	payload ...    kind-specific JSON
//
// Sequence numbers and ticks exist for reordering and duplicate detection
// only. Nothing is retransmitted: a lost message is superseded by the next
// one, since state is re-sent in full every tick.

const (
	Magic           = 0xA7
	HeaderSize      = 14
	MaxDatagramSize = 4096
)

type Kind uint8

const (
	KindJoin Kind = iota + 1
	KindWelcome
	KindInput
	KindState
	KindPing
	KindPong
	KindBye
	KindRegister
	KindLookup
	KindLookupReply

	kindMax
)

func (k Kind) Valid() bool {
	return k >= KindJoin && k < kindMax
}

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindWelcome:
		return "welcome"
	case KindInput:
		return "input"
	case KindState:
		return "state"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindBye:
		return "bye"
	case KindRegister:
		return "register"
	case KindLookup:
		return "lookup"
	case KindLookupReply:
		return "lookup-reply"
	default:
		return "unknown"
	}
}

// Message is the unit crossing the network boundary. Payload holds the
// kind-specific struct (by value) and is immutable once constructed.
type Message struct {
	Kind    Kind
	Seq     uint32
	Tick    uint64
	Payload any
}
