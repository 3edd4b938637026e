package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Timeouts is the layered timeout model for one session. Idle resets
// on every byte chunk received; Overall does not. Connect bounds the
// TCP dial and the write of the outbound envelope.
type Timeouts struct {
	Connect time.Duration
	Overall time.Duration
	Idle    time.Duration
}

// SendCommand drives one terminal session: open a TCP connection, write
// the framed envelope, then consume ACK and progress frames until a
// final frame (MSG, RSP, ERR) arrives or a timeout fires. The socket is
// closed unconditionally on every exit path and the full ordered event
// log is returned with the outcome.
//
// The engine never writes anything after its single outbound envelope;
// progress frames carry no response obligation.
func SendCommand(ctx context.Context, ip string, port int, env Envelope, t Timeouts) Result {
	var log sessionLog
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: t.Connect}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := ErrConnectError
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			kind = ErrConnectTimeout
		}
		log.add(EventError, err.Error())
		return Result{Error: kind, Log: log.events}
	}
	defer conn.Close()
	log.add(EventConnect, addr)

	payload, err := json.Marshal(env)
	if err != nil {
		// Envelopes are built by us; this only fires on a programming error.
		log.add(EventError, err.Error())
		return Result{Error: ErrSocketError, Log: log.events}
	}
	frame := EncodeFrame(payload)
	conn.SetWriteDeadline(time.Now().Add(t.Connect))
	if _, err := conn.Write(frame); err != nil {
		log.add(EventError, err.Error())
		return Result{Error: ErrSocketError, Log: log.events}
	}
	log.addHex(EventSendHex, frame)
	log.add(EventSendJSON, string(payload))

	res := receive(ctx, conn, &log, t)
	log.add(EventClose, addr)
	res.Log = log.events
	return res
}

// receive is the session receive loop: an explicit select over
// {socket bytes, idle timer, overall timer, caller cancellation}. A
// dedicated goroutine pumps socket reads into a channel so that timer
// expiry preempts a blocked read.
func receive(ctx context.Context, conn net.Conn, log *sessionLog, t Timeouts) Result {
	chunks := make(chan []byte, 8)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case readErrs <- err:
				case <-done:
				}
				return
			}
		}
	}()

	overall := time.NewTimer(t.Overall)
	defer overall.Stop()
	idle := time.NewTimer(t.Idle)
	defer idle.Stop()

	var dec Decoder
	var final *Response

	consume := func(chunk []byte) {
		log.addHex(EventRecvHex, chunk)
		for _, fr := range dec.Feed(chunk) {
			var rsp Response
			if err := json.Unmarshal(fr.Payload, &rsp); err != nil {
				log.add(EventInvalidFrame, string(fr.Payload))
				slog.Warn("terminal sent unparseable frame", "error", err)
				continue
			}
			log.add(EventRecvJSON, string(fr.Payload))

			switch {
			case IsFinal(rsp.Message):
				if final != nil {
					// Only one final per session is expected.
					log.add(EventLateFrame, rsp.Message)
					continue
				}
				r := rsp
				final = &r
			case rsp.Message == MsgACK, IsProgress(rsp.Message):
				// Observational; never terminates the session.
			default:
				log.add(EventUnhandled, rsp.Message)
			}
		}
	}

	// drain consumes every chunk already delivered, without blocking.
	// Called when a timer fires so a final frame that was already
	// framed-complete before the expiry still wins.
	drain := func() {
		for {
			select {
			case chunk := <-chunks:
				consume(chunk)
			default:
				return
			}
		}
	}

	for {
		select {
		case chunk := <-chunks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(t.Idle)
			consume(chunk)
			if final != nil {
				return Result{OK: true, Rsp: final}
			}

		case <-overall.C:
			drain()
			if final != nil {
				return Result{OK: true, Rsp: final}
			}
			return Result{Error: ErrReadTimeout}

		case <-idle.C:
			drain()
			if final != nil {
				return Result{OK: true, Rsp: final}
			}
			// Overall wins when both expire in the same scheduling quantum.
			select {
			case <-overall.C:
				return Result{Error: ErrReadTimeout}
			default:
			}
			return Result{Error: ErrIdleTimeout}

		case err := <-readErrs:
			drain()
			if final != nil {
				return Result{OK: true, Rsp: final}
			}
			log.add(EventError, err.Error())
			return Result{Error: ErrSocketError}

		case <-ctx.Done():
			log.add(EventError, ctx.Err().Error())
			return Result{Error: ErrSocketError}
		}
	}
}

// Probe opens and immediately closes a TCP connection, reporting
// whether the terminal is reachable within the connect timeout.
func Probe(ip string, port int, connect time.Duration) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, connect)
	if err != nil {
		return err
	}
	return conn.Close()
}
