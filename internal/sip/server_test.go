package sip

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestServer_ServeAnswersOptions(t *testing.T) {
	e := newTestEngine(t, 10)
	srv := NewServer(e, time.Minute, zaptest.NewLogger(t))

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn) }()

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(request("OPTIONS", "200", "srv-1", 1))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 2048)
	n, err := client.Read(buf)
	require.NoError(t, err)
	reply := string(buf[:n])
	assert.True(t, strings.HasPrefix(reply, "SIP/2.0 200 OK\r\n"), reply)
	assert.Contains(t, reply, "Call-ID: srv-1\r\n")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServer_RunsMaintenance(t *testing.T) {
	e := newTestEngine(t, 10)
	conn := &recordingSender{}
	e.HandleDatagram(context.Background(), conn, request("INVITE", "200", "old", 1), callerAddr)
	require.Equal(t, 1, e.Calls().Len())

	srv := NewServer(e, time.Millisecond, zaptest.NewLogger(t))
	start := time.Now()
	calls := 0
	srv.nowFunc = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Hour)
	}

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	require.NoError(t, srv.Serve(ctx, udp))

	assert.Equal(t, 0, e.Calls().Len())
}

func TestServer_ListenAndServeBadAddress(t *testing.T) {
	srv := NewServer(newTestEngine(t, 10), 0, nil)
	err := srv.ListenAndServe(context.Background(), "not an address")
	assert.Error(t, err)
}
