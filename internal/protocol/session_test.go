package protocol

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTerminal accepts one connection and replies with the scripted
// frames, each after its delay.
type fakeTerminal struct {
	ln net.Listener
}

type scripted struct {
	delay time.Duration
	body  string
}

func newFakeTerminal(t *testing.T, script []scripted) *fakeTerminal {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Drain the inbound envelope before replying.
		buf := make([]byte, 4096)
		conn.Read(buf)
		for _, s := range script {
			time.Sleep(s.delay)
			conn.Write(EncodeFrame([]byte(s.body)))
		}
		// Hold the connection open; the client terminates the session.
		time.Sleep(2 * time.Second)
	}()
	return &fakeTerminal{ln: ln}
}

func (f *fakeTerminal) addr() (string, int) {
	a := f.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func testTimeouts() Timeouts {
	return Timeouts{Connect: time.Second, Overall: 2 * time.Second, Idle: time.Second}
}

func pingEnvelope() Envelope {
	return NewCommand("Ping", "1", NewRequestID(), nil)
}

func TestSendCommandAckThenFinal(t *testing.T) {
	term := newFakeTerminal(t, []scripted{
		{0, `{"message":"ACK"}`},
		{20 * time.Millisecond, `{"message":"MSG","data":{"cmdResult":{"result":"Success"},"response":"Ping"}}`},
	})
	ip, port := term.addr()

	res := SendCommand(context.Background(), ip, port, pingEnvelope(), testTimeouts())

	require.True(t, res.OK)
	require.NotNil(t, res.Rsp)
	assert.Equal(t, "Success", res.Rsp.CmdResult())
	assert.Equal(t, "Ping", res.Rsp.ResponseLabel())

	types := eventTypes(res.Log)
	assert.Contains(t, types, EventConnect)
	assert.Contains(t, types, EventSendJSON)
	assert.Contains(t, types, EventRecvJSON)
}

func TestSendCommandProgressFramesDoNotTerminate(t *testing.T) {
	term := newFakeTerminal(t, []scripted{
		{0, `{"message":"ACK"}`},
		{10 * time.Millisecond, `{"message":"DSP","data":{"line1":"PLEASE WAIT"}}`},
		{10 * time.Millisecond, `{"message":"EVT","data":{"event":"CardInserted"}}`},
		{10 * time.Millisecond, `{"message":"READY"}`},
		{10 * time.Millisecond, `{"message":"RSP","data":{"cmdResult":{"result":"Success"}}}`},
	})
	ip, port := term.addr()

	res := SendCommand(context.Background(), ip, port, pingEnvelope(), testTimeouts())
	require.True(t, res.OK)
	assert.Equal(t, MsgRSP, res.Rsp.Message)
}

func TestSendCommandUnknownMessageLoggedAndIgnored(t *testing.T) {
	term := newFakeTerminal(t, []scripted{
		{0, `{"message":"XYZ"}`},
		{10 * time.Millisecond, `{"message":"MSG","data":{}}`},
	})
	ip, port := term.addr()

	res := SendCommand(context.Background(), ip, port, pingEnvelope(), testTimeouts())
	require.True(t, res.OK)
	assert.Contains(t, eventTypes(res.Log), EventUnhandled)
}

func TestSendCommandInvalidFrameDoesNotDesync(t *testing.T) {
	term := newFakeTerminal(t, []scripted{
		{0, `{broken`},
		{10 * time.Millisecond, `{"message":"MSG","data":{}}`},
	})
	ip, port := term.addr()

	res := SendCommand(context.Background(), ip, port, pingEnvelope(), testTimeouts())
	require.True(t, res.OK)
	assert.Contains(t, eventTypes(res.Log), EventInvalidFrame)
}

func TestSendCommandIdleTimeout(t *testing.T) {
	term := newFakeTerminal(t, nil) // never replies
	ip, port := term.addr()

	start := time.Now()
	res := SendCommand(context.Background(), ip, port, pingEnvelope(), Timeouts{
		Connect: time.Second,
		Overall: 5 * time.Second,
		Idle:    150 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.False(t, res.OK)
	assert.Equal(t, ErrIdleTimeout, res.Error)
	assert.Less(t, elapsed, time.Second)
}

func TestSendCommandOverallTimeoutWithPeriodicBytes(t *testing.T) {
	// The terminal drips progress frames fast enough to keep resetting
	// the idle timer, but never sends a final.
	var script []scripted
	for i := 0; i < 20; i++ {
		script = append(script, scripted{60 * time.Millisecond, `{"message":"DSP","data":{}}`})
	}
	term := newFakeTerminal(t, script)
	ip, port := term.addr()

	res := SendCommand(context.Background(), ip, port, pingEnvelope(), Timeouts{
		Connect: time.Second,
		Overall: 400 * time.Millisecond,
		Idle:    200 * time.Millisecond,
	})

	assert.False(t, res.OK)
	assert.Equal(t, ErrReadTimeout, res.Error)
}

func TestSendCommandPeerCloseIsSocketError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()
	a := ln.Addr().(*net.TCPAddr)

	res := SendCommand(context.Background(), a.IP.String(), a.Port, pingEnvelope(), testTimeouts())
	assert.False(t, res.OK)
	assert.Equal(t, ErrSocketError, res.Error)
}

func TestSendCommandConnectError(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := ln.Addr().(*net.TCPAddr)
	ln.Close()

	res := SendCommand(context.Background(), a.IP.String(), a.Port, pingEnvelope(), testTimeouts())
	assert.False(t, res.OK)
	assert.Equal(t, ErrConnectError, res.Error)
	assert.NotEmpty(t, res.Log)
}

func TestSendCommandLateFinalDropped(t *testing.T) {
	// Two finals inside one chunk: the second is logged and dropped.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		chunk := append(
			EncodeFrame([]byte(`{"message":"MSG","data":{"response":"First"}}`)),
			EncodeFrame([]byte(`{"message":"MSG","data":{"response":"Second"}}`))...)
		conn.Write(chunk)
		time.Sleep(time.Second)
	}()
	a := ln.Addr().(*net.TCPAddr)

	res := SendCommand(context.Background(), a.IP.String(), a.Port, pingEnvelope(), testTimeouts())
	require.True(t, res.OK)
	assert.Equal(t, "First", res.Rsp.ResponseLabel())
	assert.Contains(t, eventTypes(res.Log), EventLateFrame)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := ln.Addr().(*net.TCPAddr)

	assert.NoError(t, Probe(a.IP.String(), a.Port, time.Second))
	ln.Close()
	assert.Error(t, Probe(a.IP.String(), a.Port, 200*time.Millisecond))
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := NewCommand("Sale", "22", "000123", &CommandPayload{
		Params:      map[string]interface{}{"clerkId": "9"},
		Transaction: map[string]interface{}{"baseAmount": "10.00"},
	})
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "MSG", m["message"])
	data := m["data"].(map[string]interface{})
	assert.Equal(t, "Sale", data["command"])
	assert.Equal(t, "22", data["EcrId"])
	assert.Equal(t, "000123", data["requestId"])
}

func eventTypes(log []Event) []string {
	types := make([]string, 0, len(log))
	for _, e := range log {
		types = append(types, e.Type)
	}
	return types
}
