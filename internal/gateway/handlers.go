package gateway

import (
	"net/http"
	"time"

	"github.com/poslink/terminal-agent/internal/config"
	"github.com/poslink/terminal-agent/internal/protocol"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	eff := g.effective()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "terminal-agent",
		"config": map[string]interface{}{
			"terminalIp":        eff.Terminal.IP,
			"terminalPort":      eff.Terminal.Port,
			"terminalPortAlt":   eff.Terminal.PortAlt,
			"ecrId":             eff.Terminal.EcrID,
			"connectTimeoutMs":  eff.Timeouts.ConnectMs,
			"readTimeoutMs":     eff.Timeouts.ReadMs,
			"idleByteTimeoutMs": eff.Timeouts.IdleByteMs,
		},
	})
}

func (g *Gateway) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ip, port, _ := g.queryDestination(r)
	eff := g.effective()

	err := protocol.Probe(ip, port, time.Duration(eff.Timeouts.ConnectMs)*time.Millisecond)
	resp := map[string]interface{}{
		"success":   true,
		"ip":        ip,
		"port":      port,
		"available": err == nil,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	ip, port, ecrID := g.queryDestination(r)
	requestID := protocol.NewRequestID()
	env := protocol.NewCommand("Ping", ecrID, requestID, nil)

	// Pings bypass the per-terminal serialization queue.
	res := g.runSession(r.Context(), "Ping", ip, port, env, false)
	respondSession(w, requestID, res)
}

func (g *Gateway) handleSale(lodging bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := parseBody(r.Body, "sale")
		if err != nil {
			respondBadRequest(w, "%v", err)
			return
		}

		base, err := normalizeAmount(b.field("baseAmount"))
		if err != nil {
			respondBadRequest(w, "baseAmount is required: %v", err)
			return
		}
		tip, err := normalizeOptionalAmount(b.field("tipAmount"))
		if err != nil {
			respondBadRequest(w, "tipAmount: %v", err)
			return
		}
		tax, err := normalizeOptionalAmount(b.field("taxAmount"))
		if err != nil {
			respondBadRequest(w, "taxAmount: %v", err)
			return
		}
		cashback, err := normalizeOptionalAmount(b.field("cashBackAmount", "cashbackAmount"))
		if err != nil {
			respondBadRequest(w, "cashBackAmount: %v", err)
			return
		}

		taxIndicator := b.str("taxIndicator")
		if taxIndicator == "" {
			taxIndicator = "0"
		}

		tran := map[string]interface{}{
			"baseAmount":       base,
			"tipAmount":        tip,
			"taxAmount":        tax,
			"cashBackAmount":   cashback,
			"taxIndicator":     taxIndicator,
			"allowPartialAuth": b.flag("allowPartialAuth"),
			"allowDuplicate":   b.flag("allowDuplicate"),
		}
		if inv := b.str("invoiceNbr"); inv != "" {
			tran["invoiceNbr"] = inv
		}
		if acct := b.str("account", "cardNumber"); acct != "" {
			tran["account"] = acct
		}

		payload := &protocol.CommandPayload{Transaction: tran}
		if lodging && b.lodging != nil {
			payload.Lodging = b.lodging
		}

		g.transact(w, r, b, "Sale", payload)
	}
}

func (g *Gateway) handlePreAuth(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "preauth", "preAuth")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	amount, err := normalizeAmount(b.field("amount", "baseAmount"))
	if err != nil {
		respondBadRequest(w, "amount is required: %v", err)
		return
	}

	tran := map[string]interface{}{"amount": amount}
	if v := b.field("preAuthAmount"); v != nil {
		preAuth, err := normalizeAmount(v)
		if err != nil {
			respondBadRequest(w, "preAuthAmount: %v", err)
			return
		}
		tran["preAuthAmount"] = preAuth
	}
	if acct := b.str("account", "cardNumber"); acct != "" {
		tran["account"] = acct
	}

	payload := &protocol.CommandPayload{Transaction: tran}
	if b.lodging != nil {
		payload.Lodging = b.lodging
	}

	g.transact(w, r, b, "PreAuth", payload)
}

func (g *Gateway) handleAuthCompletion(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "authCompletion")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	ref := b.str("referenceNumber")
	if ref == "" {
		respondBadRequest(w, "referenceNumber is required")
		return
	}
	amount, err := normalizeAmount(b.field("amount"))
	if err != nil {
		respondBadRequest(w, "amount is required: %v", err)
		return
	}
	tip, err := normalizeOptionalAmount(b.field("tipAmount"))
	if err != nil {
		respondBadRequest(w, "tipAmount: %v", err)
		return
	}

	payload := &protocol.CommandPayload{Transaction: map[string]interface{}{
		"referenceNumber": ref,
		"amount":          amount,
		"tipAmount":       tip,
	}}
	g.transact(w, r, b, "AuthCompletion", payload)
}

func (g *Gateway) handleVoid(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "void")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	tranNo := b.str("tranNo")
	ref := b.str("referenceNumber")
	if tranNo == "" && ref == "" {
		respondBadRequest(w, "one of tranNo or referenceNumber is required")
		return
	}

	tran := map[string]interface{}{}
	if tranNo != "" {
		tran["tranNo"] = tranNo
	}
	if ref != "" {
		tran["referenceNumber"] = ref
	}
	g.transact(w, r, b, "Void", &protocol.CommandPayload{Transaction: tran})
}

func (g *Gateway) handleRefund(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "refund")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	total, err := normalizeAmount(b.field("totalAmount", "amount"))
	if err != nil {
		respondBadRequest(w, "totalAmount is required: %v", err)
		return
	}

	tran := map[string]interface{}{"totalAmount": total}
	if ref := b.str("referenceNumber"); ref != "" {
		// Referenced refund; absent means unreferenced.
		tran["referenceNumber"] = ref
	}
	g.transact(w, r, b, "Refund", &protocol.CommandPayload{Transaction: tran})
}

func (g *Gateway) handleTipAdjust(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "tipAdjust")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	tip, err := normalizeAmount(b.field("tipAmount"))
	if err != nil {
		respondBadRequest(w, "tipAmount is required: %v", err)
		return
	}
	tranNo := b.str("tranNo")
	ref := b.str("referenceNumber")
	if tranNo == "" && ref == "" {
		respondBadRequest(w, "one of tranNo or referenceNumber is required")
		return
	}

	tran := map[string]interface{}{"tipAmount": tip}
	if tranNo != "" {
		tran["tranNo"] = tranNo
	}
	if ref != "" {
		tran["referenceNumber"] = ref
	}
	g.transact(w, r, b, "TipAdjust", &protocol.CommandPayload{Transaction: tran})
}

func (g *Gateway) handleBatchClose(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body, "batchClose")
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	command := b.str("command")
	if command == "" {
		command = "EOD"
	}
	g.transact(w, r, b, command, nil)
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	b, err := parseBody(r.Body)
	if err != nil {
		respondBadRequest(w, "%v", err)
		return
	}

	command := b.str("command")
	if command == "" {
		respondBadRequest(w, "command is required")
		return
	}

	var payload *protocol.CommandPayload
	if data, ok := b.merged["data"].(map[string]interface{}); ok {
		payload = &protocol.CommandPayload{}
		if m, ok := data["params"].(map[string]interface{}); ok {
			payload.Params = m
		}
		if m, ok := data["transaction"].(map[string]interface{}); ok {
			payload.Transaction = m
		}
		if m, ok := data["lodging"].(map[string]interface{}); ok {
			payload.Lodging = m
		}
	}
	g.transact(w, r, b, command, payload)
}

func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.OverridePatch
	if err := decodeJSONBody(r, &patch); err != nil {
		respondBadRequest(w, "%v", err)
		return
	}
	g.overrides.Apply(patch)

	eff := g.effective()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config": map[string]interface{}{
			"terminalIp":        eff.Terminal.IP,
			"terminalPort":      eff.Terminal.Port,
			"ecrId":             eff.Terminal.EcrID,
			"connectTimeoutMs":  eff.Timeouts.ConnectMs,
			"readTimeoutMs":     eff.Timeouts.ReadMs,
			"idleByteTimeoutMs": eff.Timeouts.IdleByteMs,
		},
	})
}

// transact runs the standard transactional flow: resolve destination,
// allocate a request id, build the envelope, drive one serialized
// session, and shape the response.
func (g *Gateway) transact(w http.ResponseWriter, r *http.Request, b *requestBody, command string, payload *protocol.CommandPayload) {
	ip, port, ecrID := g.destination(b)
	requestID := protocol.NewRequestID()
	env := protocol.NewCommand(command, ecrID, requestID, payload)

	res := g.runSession(r.Context(), command, ip, port, env, true)
	respondSession(w, requestID, res)
}
