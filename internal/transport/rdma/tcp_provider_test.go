package rdma

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/smbdirect/internal/config"
)

func startResponder(t *testing.T) (*Server, string, int) {
	t.Helper()

	srv := NewServer(config.DefaultRDMAConfig())
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop() })

	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok)

	return srv, addr.IP.String(), addr.Port
}

func establishedTCPConn(t *testing.T) (*TCPProvider, Connection) {
	t.Helper()

	_, host, port := startResponder(t)

	p := NewTCPProvider(config.DefaultRDMAConfig())
	t.Cleanup(func() { _ = p.Shutdown() })

	conn, err := p.Connect(context.Background(), host, port)
	require.NoError(t, err)

	resp, err := conn.Negotiate(context.Background(), NewNegotiateRequest(config.DefaultRDMAConfig()))
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	return p, conn
}

func TestTCPProviderProperties(t *testing.T) {
	p := NewTCPProvider(config.DefaultRDMAConfig())

	assert.True(t, p.IsAvailable())
	assert.Equal(t, FabricTCP, p.Fabric())
	assert.Equal(t, "tcp", p.Name())
	assert.Equal(t, CapSend, p.SupportedCapabilities())
	assert.False(t, p.SupportedCapabilities().Has(CapRDMARead))
	assert.Equal(t, config.DefaultMaxFragmentedSize, p.MaxMessageSize())
	assert.False(t, p.Fabric().IsRDMA())
}

func TestTCPProviderRegisterMemory(t *testing.T) {
	p := NewTCPProvider(config.DefaultRDMAConfig())

	a, err := p.RegisterMemory(make([]byte, 16), SendAccess)
	require.NoError(t, err)
	b, err := p.RegisterMemory(make([]byte, 16), ReceiveAccess)
	require.NoError(t, err)

	assert.NotEqual(t, a.LocalKey(), b.LocalKey())
	assert.Equal(t, a.LocalKey(), a.RemoteKey())
	assert.True(t, b.HasAccess(ReceiveAccess))

	_, err = p.RegisterMemory(nil, SendAccess)
	assert.ErrorIs(t, err, ErrMemoryRegistration)

	require.NoError(t, p.Shutdown())
	assert.False(t, p.IsAvailable())

	_, err = p.RegisterMemory(make([]byte, 16), SendAccess)
	assert.ErrorIs(t, err, ErrProviderShutdown)

	_, err = p.CreateConnection("127.0.0.1:1", "")
	assert.ErrorIs(t, err, ErrProviderShutdown)
}

func TestTCPConnectionNegotiateAndEcho(t *testing.T) {
	_, conn := establishedTCPConn(t)
	ctx := context.Background()

	assert.Equal(t, StateEstablished, conn.State())
	assert.Equal(t, config.DefaultReceiveCreditMax, conn.SendCredits())
	assert.Equal(t, config.DefaultMaxReceiveSize, conn.MaxReceiveSize())

	for _, payload := range [][]byte{[]byte("first"), []byte("second"), {}} {
		require.NoError(t, conn.Send(ctx, payload, nil))

		msg, err := conn.Receive(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, payload, msg)
	}

	assert.Equal(t, config.DefaultReceiveCreditMax-3, conn.SendCredits())
}

func TestTCPConnectionReceiveTimeout(t *testing.T) {
	_, conn := establishedTCPConn(t)

	msg, err := conn.Receive(context.Background(), 10*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, StateEstablished, conn.State())
}

func TestTCPConnectionRDMANotSupported(t *testing.T) {
	p, conn := establishedTCPConn(t)
	ctx := context.Background()

	region, err := p.RegisterMemory(make([]byte, 16), ReceiveAccess)
	require.NoError(t, err)

	assert.ErrorIs(t, conn.RDMARead(ctx, region, 0, 1, 16), ErrOperationNotSupported)
	assert.ErrorIs(t, conn.RDMAWrite(ctx, region, 0, 1, 16), ErrOperationNotSupported)

	_, err = conn.Read(ctx, make([]byte, 16), 0, 1, 16)
	assert.ErrorIs(t, err, ErrOperationNotSupported)

	_, err = conn.Write(ctx, []byte("x"), 0, 1)
	assert.ErrorIs(t, err, ErrOperationNotSupported)

	assert.Equal(t, StateEstablished, conn.State())
}

func TestTCPConnectionSendPreconditions(t *testing.T) {
	p, conn := establishedTCPConn(t)
	ctx := context.Background()

	err := conn.Send(ctx, make([]byte, config.DefaultMaxReceiveSize+1), nil)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	region, err := p.RegisterMemory(make([]byte, 16), SendAccess)
	require.NoError(t, err)
	region.Invalidate()
	assert.ErrorIs(t, conn.Send(ctx, []byte("x"), region), ErrRegionInvalid)

	for conn.SendCredits() > 0 {
		conn.ConsumeSendCredit()
	}
	assert.ErrorIs(t, conn.Send(ctx, []byte("x"), nil), ErrNoSendCredits)
}

func TestTCPConnectionConnectRefused(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	p := NewTCPProvider(config.DefaultRDMAConfig())

	_, err = p.Connect(context.Background(), "127.0.0.1", port)

	require.Error(t, err)
	assert.True(t, isNetworkError(err))
}

func TestTCPConnectionReset(t *testing.T) {
	_, conn := establishedTCPConn(t)
	ctx := context.Background()

	conn.ConsumeSendCredit()
	conn.ConsumeSendCredit()

	require.NoError(t, conn.Reset(ctx))

	assert.Equal(t, StateEstablished, conn.State())
	assert.Equal(t, config.DefaultReceiveCreditMax, conn.SendCredits())

	require.NoError(t, conn.Send(ctx, []byte("after reset"), nil))
	msg, err := conn.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after reset"), msg)
}

func TestTCPConnectionClose(t *testing.T) {
	p, conn := establishedTCPConn(t)
	ctx := context.Background()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Send(ctx, []byte("x"), nil), ErrNotEstablished)

	_, err := conn.Receive(ctx, time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, conn.Reset(ctx), ErrConnectionClosed)

	require.NoError(t, p.Shutdown())
}

func TestServeNegotiateOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	limits := NegotiateLimitsFromConfig(config.DefaultRDMAConfig())
	done := make(chan error, 1)

	go func() {
		done <- ServeConn(server, limits)
	}()

	req := NewNegotiateRequest(config.DefaultRDMAConfig())
	require.NoError(t, writeFrame(client, req.Encode()))

	raw, err := readFrame(client, NegotiateMessageSize)
	require.NoError(t, err)

	resp, err := DecodeNegotiateResponse(raw, 0)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	require.NoError(t, writeFrame(client, []byte("echo me")))
	echo, err := readFrame(client, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo me"), echo)

	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeConn did not return after hang-up")
	}
}

func TestServeConnRejectsNegotiation(t *testing.T) {
	var in bytes.Buffer

	req := NewNegotiateRequest(config.DefaultRDMAConfig())
	req.MinVersion, req.MaxVersion = 0x0300, 0x0300
	require.NoError(t, writeFrame(&in, req.Encode()))

	err := ServeConn(&in, NegotiateLimitsFromConfig(config.DefaultRDMAConfig()))
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestReadFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, 100)))

	_, err := readFrame(&buf, 99)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestTCPConnectionOversizedFrameBreaksStream(t *testing.T) {
	cfg := config.DefaultRDMAConfig()
	p := NewTCPProvider(cfg)
	t.Cleanup(func() { _ = p.Shutdown() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		peer, err := ln.Accept()
		if err != nil {
			return
		}
		defer peer.Close()

		if _, err := ServeNegotiate(peer, NegotiateLimitsFromConfig(cfg)); err != nil {
			return
		}

		hdr := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint32(hdr, uint32(p.MaxMessageSize()+1)) //nolint:gosec // G115: test value
		_, _ = peer.Write(append(hdr, bytes.Repeat([]byte{'A'}, 64)...))
		_ = writeFrame(peer, []byte("hello"))

		// Hold the stream open until the client hangs up
		_, _ = io.Copy(io.Discard, peer)
	}()

	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)

	ctx := context.Background()
	conn, err := p.Connect(ctx, addr.IP.String(), addr.Port)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Negotiate(ctx, NewNegotiateRequest(cfg))
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())

	msg, err := conn.Receive(ctx, time.Second)
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)

	assert.Equal(t, StateError, conn.State())
	assert.False(t, conn.CanSend())

	_, err = conn.Receive(ctx, time.Second)
	assert.Error(t, err, "misaligned stream must not be read again")
}

func TestServerStatistics(t *testing.T) {
	srv, host, port := startResponder(t)

	p := NewTCPProvider(config.DefaultRDMAConfig())
	conn, err := p.Connect(context.Background(), host, port)
	require.NoError(t, err)

	_, err = conn.Negotiate(context.Background(), NewNegotiateRequest(config.DefaultRDMAConfig()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return srv.Statistics().ConnectionsActive() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return srv.Statistics().ConnectionsActive() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), srv.Statistics().ConnectionsCreated())

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}

func TestServerClosesConnectionAdmittedDuringStop(t *testing.T) {
	srv := NewServer(config.DefaultRDMAConfig())
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))

	local, remote := net.Pipe()
	defer remote.Close()

	require.True(t, srv.admit(local))
	srv.release(local)
	_ = local.Close()

	require.NoError(t, srv.Stop())

	late, lateRemote := net.Pipe()
	defer lateRemote.Close()

	assert.False(t, srv.admit(late))
	assert.Equal(t, int64(1), srv.Statistics().ConnectionsCreated())
	assert.Equal(t, int64(0), srv.Statistics().ConnectionsActive())

	_, err := late.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
