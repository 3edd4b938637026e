package emulator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/poslink/terminal-agent/internal/events"
	"github.com/poslink/terminal-agent/internal/protocol"
)

// Server accepts terminal connections and drives the per-connection
// protocol: a SystemReady welcome, then for each decoded command an
// immediate ACK followed by exactly one delayed final response.
type Server struct {
	dispatcher *Dispatcher
	bus        *events.Bus

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

func NewServer(dispatcher *Dispatcher, bus *events.Bus) *Server {
	return &Server{dispatcher: dispatcher, bus: bus}
}

// Listen binds a TCP port and starts accepting connections. Call once
// per configured port (primary and alternate).
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server closed")
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	slog.Info("emulator listening", "port", port)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the first listener's address (useful when bound to :0).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops all listeners and waits for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	slog.Info("terminal connection opened", "remote", remote)
	if s.bus != nil {
		s.bus.Emit(events.TypeConnectionOpened, "emulator", map[string]interface{}{"remote": remote})
	}
	defer func() {
		slog.Info("terminal connection closed", "remote", remote)
		if s.bus != nil {
			s.bus.Emit(events.TypeConnectionClosed, "emulator", map[string]interface{}{"remote": remote})
		}
	}()

	if err := writeFrame(conn, WelcomeEnvelope()); err != nil {
		return
	}

	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, fr := range dec.Feed(buf[:n]) {
				if !s.handleFrame(conn, fr) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handleFrame processes one decoded frame; false means the connection
// should drop (write failure).
func (s *Server) handleFrame(conn net.Conn, fr protocol.Frame) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(fr.Payload, &env); err != nil {
		slog.Warn("unparseable inbound frame", "error", err)
		return writeFrame(conn, ParseErrorEnvelope()) == nil
	}

	data := s.dispatcher.Dispatch(&env)
	if data == nil {
		return true
	}

	if err := writeFrame(conn, AckEnvelope()); err != nil {
		return false
	}
	time.Sleep(s.dispatcher.Delay())
	return writeFrame(conn, FinalEnvelope(data)) == nil
}

// writeFrame marshals v and writes it as one frame in a single call.
func writeFrame(conn net.Conn, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(protocol.EncodeFrame(payload))
	return err
}
