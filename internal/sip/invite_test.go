package sip

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callcard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoopbackEndpoint runs a real endpoint on a free loopback UDP port.
func startLoopbackEndpoint(t *testing.T) (*Endpoint, *fakeHandler, int) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())

	cfg := &config.Config{SIPBind: "127.0.0.1", SIPPort: port, SIPDomain: "127.0.0.1", SIPTrace: "off"}
	e, err := NewEndpoint(cfg, testLogger())
	require.NoError(t, err)
	h := &fakeHandler{}
	e.SetHandler(h)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	// The port is taken once the UDP listener is up.
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		probe, err := net.ListenPacket("udp", addr)
		if err != nil {
			return true
		}
		probe.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond)

	return e, h, port
}

// invite sends an INVITE from a sipgo client to the endpoint.
func invite(t *testing.T, port int, display, number string) sip.ClientTransaction {
	t.Helper()
	ua, err := sipgo.NewUA(sipgo.WithUserAgentHostname("127.0.0.1"))
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname("127.0.0.1"))
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		ua.Close()
	})

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "callcard", Host: "127.0.0.1", Port: port})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: display,
		Address:     sip.Uri{Scheme: "sip", User: number, Host: "127.0.0.1"},
		Params:      sip.NewParams(),
	})

	tx, err := client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(tx.Terminate)
	return tx
}

func waitForResponse(t *testing.T, tx sip.ClientTransaction, code int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode == code {
				return
			}
		case <-tx.Done():
			t.Fatalf("transaction ended before %d: %v", code, tx.Err())
		case <-timeout:
			t.Fatalf("no %d response", code)
		}
	}
}

func TestEndpointInviteRingsUntilFinalResponse(t *testing.T) {
	tests := []struct {
		name string
		act  func(e *Endpoint, callID int) error
		want int
	}{
		{"answer", func(e *Endpoint, id int) error { return e.Answer(context.Background(), id) }, 200},
		{"reject", func(e *Endpoint, id int) error { return e.Reject(context.Background(), id, false, "") }, 486},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, h, port := startLoopbackEndpoint(t)

			tx := invite(t, port, "Bob", "5551234")
			waitForResponse(t, tx, 180)

			// The call stays ringing after the provisional responses.
			time.Sleep(300 * time.Millisecond)
			require.Equal(t, 1, e.Calls().Count())
			assert.Empty(t, h.endedCalls())

			id, ok := e.Calls().IncomingCall()
			require.True(t, ok)
			assert.Equal(t, "5551234", id.Number)
			assert.Equal(t, "Bob", id.PresentedName)

			require.NoError(t, tt.act(e, id.CallID))
			waitForResponse(t, tx, tt.want)
			assert.Zero(t, e.Calls().Count())
			assert.Empty(t, h.endedCalls())
		})
	}
}
