package network_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stepsync/network"
)

func listen(t *testing.T) *network.Transport {
	t.Helper()
	tr, err := network.Listen("127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// A datagram that is already sitting in the socket buffer must come out of
// a single Receive call; polling may never starve a queued datagram.
func TestReceiveSeesQueuedDatagram(t *testing.T) {
	a := listen(t)
	b := listen(t)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))
	time.Sleep(50 * time.Millisecond) // let loopback delivery finish

	var buf [network.MaxPacketSize]byte
	var got []byte
	for i := 0; i < 100 && got == nil; i++ {
		from, data, err := b.Receive(buf[:])
		if errors.Is(err, network.ErrWouldBlock) {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, a.LocalAddr().Port, from.Port)
		got = data
	}
	require.Equal(t, []byte("hello"), got, "queued datagram never surfaced")
}

func TestReceiveEmptySocketWouldBlock(t *testing.T) {
	tr := listen(t)

	var buf [network.MaxPacketSize]byte
	start := time.Now()
	_, _, err := tr.Receive(buf[:])
	require.True(t, errors.Is(err, network.ErrWouldBlock), "want ErrWouldBlock, got %v", err)
	require.Less(t, time.Since(start), 100*time.Millisecond, "empty receive must not stall a tick")
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	a := listen(t)
	b := listen(t)

	err := a.Send(b.LocalAddr(), make([]byte, network.MaxPacketSize+1))
	require.True(t, errors.Is(err, network.ErrPacketTooLarge), "want ErrPacketTooLarge, got %v", err)

	require.NoError(t, a.Send(b.LocalAddr(), make([]byte, network.MaxPacketSize)))
}

func TestListenRejectsBusyPort(t *testing.T) {
	a := listen(t)

	_, err := network.Listen("127.0.0.1", a.LocalAddr().Port, zerolog.Nop())
	require.True(t, errors.Is(err, network.ErrBind), "want ErrBind, got %v", err)
}
