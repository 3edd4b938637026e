package emulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poslink/terminal-agent/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is consumed by the local renderer; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AdminRouter builds the emulator's admin HTTP surface: health, state
// dumps, reset, and the live event feed (SSE and WebSocket) consumed by
// the renderer.
func AdminRouter(store *Store, bus *events.Bus) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		batch := store.CurrentBatch()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "healthy",
			"service":      "terminal-emulator",
			"currentBatch": batch.ID,
			"subscribers":  bus.SubscriberCount(),
		})
	}).Methods("GET")

	router.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(store.Snapshot())
	}).Methods("GET")

	router.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		list := store.Transactions()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transactions": list,
			"count":        len(list),
		})
	}).Methods("GET")

	router.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(store.Stats())
	}).Methods("GET")

	router.HandleFunc("/reset", func(w http.ResponseWriter, r *http.Request) {
		store.Reset()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}).Methods("POST")

	router.HandleFunc("/events/stream", handleSSEStream(bus)).Methods("GET")
	router.HandleFunc("/ws", handleWebSocket(bus))
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// handleSSEStream streams bus events as Server-Sent Events.
func handleSSEStream(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		var eventTypes []string
		if filter := r.URL.Query().Get("events"); filter != "" {
			eventTypes = strings.Split(filter, ",")
		}

		ch := bus.Subscribe(eventTypes...)
		defer bus.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		flusher.Flush()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				sseData, err := event.SSEFormat()
				if err != nil {
					continue
				}
				w.Write(sseData)
				flusher.Flush()

			case <-r.Context().Done():
				return
			}
		}
	}
}

// handleWebSocket pushes bus events over a WebSocket with periodic pings.
func handleWebSocket(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)

		// Discard inbound messages; the feed is one-way. Read errors
		// signal the peer went away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
