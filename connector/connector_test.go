package connector_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stepsync/client"
	"stepsync/connector"
	"stepsync/network"
	"stepsync/protocol"
)

type endpoint struct {
	t   *testing.T
	tr  *network.Transport
	seq uint32
	buf [protocol.MaxDatagramSize]byte
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	tr, err := network.Listen("127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return &endpoint{t: t, tr: tr}
}

func (ep *endpoint) send(to *net.UDPAddr, kind protocol.Kind, payload any) {
	ep.t.Helper()
	ep.seq++
	b, err := protocol.Encode(protocol.Message{Kind: kind, Seq: ep.seq, Payload: payload})
	require.NoError(ep.t, err)
	require.NoError(ep.t, ep.tr.Send(to, b))
}

func (ep *endpoint) recvReply(timeout time.Duration) protocol.LookupReply {
	ep.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, b, err := ep.tr.Receive(ep.buf[:])
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) {
				ep.t.Fatalf("receive: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		msg, err := protocol.Decode(b)
		if err != nil {
			continue
		}
		if rep, ok := msg.Payload.(protocol.LookupReply); ok {
			return rep
		}
	}
	ep.t.Fatal("no lookup reply")
	return protocol.LookupReply{}
}

func newBroker(t *testing.T, expiry time.Duration) (*connector.Broker, *net.UDPAddr) {
	t.Helper()
	tr, err := network.Listen("127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	cfg := connector.DefaultConfig()
	cfg.Expiry = expiry
	return connector.New(tr, cfg, zerolog.Nop()), tr.LocalAddr()
}

// lookupUntil keeps asking until the reply matches want, since the
// register datagram may not have been drained yet.
func lookupUntil(t *testing.T, b *connector.Broker, addr *net.UDPAddr, cl *endpoint, name string, want bool) protocol.LookupReply {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cl.send(addr, protocol.KindLookup, protocol.Lookup{Name: name})
		time.Sleep(10 * time.Millisecond)
		b.Tick(time.Now())
		rep := cl.recvReply(time.Second)
		if rep.Found == want {
			return rep
		}
	}
	t.Fatalf("lookup %q never reported found=%v", name, want)
	return protocol.LookupReply{}
}

func TestRegisterThenLookup(t *testing.T) {
	b, addr := newBroker(t, 10*time.Second)
	srv := newEndpoint(t)
	cl := newEndpoint(t)

	srv.send(addr, protocol.KindRegister, protocol.Register{Name: "arena"})
	rep := lookupUntil(t, b, addr, cl, "arena", true)
	require.Equal(t, srv.tr.LocalAddr().Port, rep.Port, "registered address must be the datagram's source")

	// Unknown names are a miss, not an error.
	cl.send(addr, protocol.KindLookup, protocol.Lookup{Name: "nope"})
	time.Sleep(10 * time.Millisecond)
	b.Tick(time.Now())
	require.False(t, cl.recvReply(time.Second).Found)
}

func TestRegistrationExpires(t *testing.T) {
	b, addr := newBroker(t, 100*time.Millisecond)
	srv := newEndpoint(t)
	cl := newEndpoint(t)

	srv.send(addr, protocol.KindRegister, protocol.Register{Name: "arena"})
	lookupUntil(t, b, addr, cl, "arena", true)

	// No refresh within the expiry window: the name is gone.
	b.Tick(time.Now().Add(time.Second))
	cl.send(addr, protocol.KindLookup, protocol.Lookup{Name: "arena"})
	time.Sleep(10 * time.Millisecond)
	b.Tick(time.Now().Add(time.Second))
	require.False(t, cl.recvReply(time.Second).Found)
}

func TestReplayedRegisterDoesNotRefresh(t *testing.T) {
	b, addr := newBroker(t, 150*time.Millisecond)
	srv := newEndpoint(t)
	cl := newEndpoint(t)

	srv.send(addr, protocol.KindRegister, protocol.Register{Name: "arena"})
	lookupUntil(t, b, addr, cl, "arena", true)

	// An attacker replaying the original register datagram must not keep
	// the entry alive: same seq, so the peer table rejects it.
	replay, err := protocol.Encode(protocol.Message{
		Kind: protocol.KindRegister, Seq: srv.seq,
		Payload: protocol.Register{Name: "arena"},
	})
	require.NoError(t, err)
	require.NoError(t, srv.tr.Send(addr, replay))
	time.Sleep(10 * time.Millisecond)
	b.Tick(time.Now().Add(100 * time.Millisecond))

	// Past the original expiry the entry is gone despite the replay.
	b.Tick(time.Now().Add(time.Second))
	cl.send(addr, protocol.KindLookup, protocol.Lookup{Name: "arena"})
	time.Sleep(10 * time.Millisecond)
	b.Tick(time.Now().Add(time.Second))
	require.False(t, cl.recvReply(time.Second).Found)
}

func TestResolveEndToEnd(t *testing.T) {
	b, addr := newBroker(t, 10*time.Second)
	srv := newEndpoint(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Tick(time.Now())
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	srv.send(addr, protocol.KindRegister, protocol.Register{Name: "arena"})

	clTr, err := network.Listen("127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, err)
	defer clTr.Close()

	resolved, err := client.Resolve(clTr, addr, "arena", 3*time.Second, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, srv.tr.LocalAddr().Port, resolved.Port)

	_, err = client.Resolve(clTr, addr, "missing", time.Second, zerolog.Nop())
	require.Error(t, err)
	require.True(t, errors.Is(err, client.ErrNameNotFound))
}
