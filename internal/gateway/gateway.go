// Package gateway exposes the POS-facing REST surface and orchestrates
// one protocol session per transactional request. Protocol failures are
// not HTTP failures: the caller always gets the session log back.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poslink/terminal-agent/internal/config"
	"github.com/poslink/terminal-agent/internal/metrics"
	"github.com/poslink/terminal-agent/internal/protocol"
)

// sendFunc matches protocol.SendCommand; injectable for tests.
type sendFunc func(ctx context.Context, ip string, port int, env protocol.Envelope, t protocol.Timeouts) protocol.Result

// Gateway wires the REST surface to the protocol engine.
type Gateway struct {
	cfg       *config.Config
	overrides *config.Overrides
	locks     *terminalLocks
	send      sendFunc
}

func New(cfg *config.Config) *Gateway {
	return &Gateway{
		cfg:       cfg,
		overrides: config.NewOverrides(),
		locks:     newTerminalLocks(),
		send:      protocol.SendCommand,
	}
}

// Router builds the full REST surface.
func (g *Gateway) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", g.handleHealth).Methods("GET")
	router.HandleFunc("/availability", g.handleAvailability).Methods("GET")
	router.HandleFunc("/ping", g.handlePing).Methods("GET")

	router.HandleFunc("/sale", g.handleSale(false)).Methods("POST")
	router.HandleFunc("/sale/lodging", g.handleSale(true)).Methods("POST")
	router.HandleFunc("/preauth", g.handlePreAuth).Methods("POST")
	router.HandleFunc("/auth-completion", g.handleAuthCompletion).Methods("POST")
	router.HandleFunc("/void", g.handleVoid).Methods("POST")
	router.HandleFunc("/refund", g.handleRefund).Methods("POST")
	router.HandleFunc("/tip-adjust", g.handleTipAdjust).Methods("POST")
	router.HandleFunc("/batch-close", g.handleBatchClose).Methods("POST")
	router.HandleFunc("/command", g.handleCommand).Methods("POST")
	router.HandleFunc("/config", g.handleConfig).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(MakeCORSMiddleware(g.cfg))
	router.Use(LoggingMiddleware)
	return router
}

// effective returns the config with runtime overrides applied.
func (g *Gateway) effective() config.Config {
	return g.overrides.Effective(g.cfg)
}

// destination resolves (ip, port, ecrId): nested body fields first,
// then top-level, then the process-wide defaults.
func (g *Gateway) destination(b *requestBody) (string, int, string) {
	eff := g.effective()
	ip := b.str("ip", "terminalIp")
	if ip == "" {
		ip = eff.Terminal.IP
	}
	port := b.intval("port", "terminalPort")
	if port == 0 {
		port = eff.Terminal.Port
	}
	ecrID := b.str("ecrId", "EcrId")
	if ecrID == "" {
		ecrID = eff.Terminal.EcrID
	}
	return ip, port, ecrID
}

// queryDestination resolves (ip, port, ecrId) from query parameters.
func (g *Gateway) queryDestination(r *http.Request) (string, int, string) {
	eff := g.effective()
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = eff.Terminal.IP
	}
	port := eff.Terminal.Port
	if p := r.URL.Query().Get("port"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	ecrID := r.URL.Query().Get("ecrId")
	if ecrID == "" {
		ecrID = eff.Terminal.EcrID
	}
	return ip, port, ecrID
}

func (g *Gateway) timeouts() protocol.Timeouts {
	eff := g.effective()
	return protocol.Timeouts{
		Connect: time.Duration(eff.Timeouts.ConnectMs) * time.Millisecond,
		Overall: time.Duration(eff.Timeouts.ReadMs) * time.Millisecond,
		Idle:    time.Duration(eff.Timeouts.IdleByteMs) * time.Millisecond,
	}
}

// runSession drives one protocol session. Transactional commands
// serialize per destination; a terminal handles one transaction at a
// time.
func (g *Gateway) runSession(ctx context.Context, command, ip string, port int, env protocol.Envelope, serialize bool) protocol.Result {
	if serialize {
		release := g.locks.acquire(net.JoinHostPort(ip, strconv.Itoa(port)))
		defer release()
	}

	start := time.Now()
	res := g.send(ctx, ip, port, env, g.timeouts())
	metrics.SessionDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if !res.OK {
		outcome = string(res.Error)
	}
	metrics.SessionsTotal.WithLabelValues(command, outcome).Inc()
	return res
}

// sessionResponse is the gateway's reply for transactional endpoints.
type sessionResponse struct {
	Success   bool               `json:"success"`
	RequestID string             `json:"requestId"`
	OK        bool               `json:"ok"`
	Rsp       *protocol.Response `json:"rsp,omitempty"`
	Error     protocol.ErrorKind `json:"error,omitempty"`
	Log       []protocol.Event   `json:"log"`
}

// respondSession writes the session outcome. Protocol failures still
// return HTTP 200 with ok=false; the caller needs the log either way.
func respondSession(w http.ResponseWriter, requestID string, res protocol.Result) {
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		RequestID: requestID,
		OK:        res.OK,
		Rsp:       res.Rsp,
		Error:     res.Error,
		Log:       res.Log,
	})
}

func respondBadRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"message": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
