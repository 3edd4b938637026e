package emulator

import (
	"time"

	"github.com/poslink/terminal-agent/internal/events"
	"github.com/poslink/terminal-agent/internal/metrics"
	"github.com/poslink/terminal-agent/internal/protocol"
)

// Dispatcher routes decoded command envelopes to their handlers and
// assembles protocol-correct response data. The connection layer owns
// the ACK-then-delayed-final sequencing; the dispatcher is synchronous.
type Dispatcher struct {
	store *Store
	bus   *events.Bus
	delay time.Duration
}

func NewDispatcher(store *Store, bus *events.Bus, responseDelayMs int) *Dispatcher {
	return &Dispatcher{
		store: store,
		bus:   bus,
		delay: time.Duration(responseDelayMs) * time.Millisecond,
	}
}

// Delay is the artificial think-time before the final response.
func (d *Dispatcher) Delay() time.Duration {
	return d.delay
}

// canonicalCommand folds the accepted command aliases onto their
// canonical handler names.
func canonicalCommand(cmd string) string {
	switch cmd {
	case "Sale", "CreditSale":
		return "Sale"
	case "PreAuth", "PreAuthorization":
		return "PreAuth"
	case "AuthCompletion", "Capture", "CloseTab":
		return "AuthCompletion"
	case "TipAdjust", "TipAdjustment":
		return "TipAdjust"
	case "Void", "VoidTransaction":
		return "Void"
	case "Reversal":
		return "Reversal"
	case "Refund", "CreditRefund":
		return "Refund"
	case "ForceSale":
		return "ForceSale"
	case "EOD", "EODProcessing", "BatchClose", "Batch":
		return "EOD"
	case "StatusInquiry", "TransactionStatus":
		return "StatusInquiry"
	case "BatchInquiry", "BatchStatus":
		return "BatchInquiry"
	case "TransactionList", "TransactionHistory":
		return "TransactionList"
	case "SystemReset", "Reset":
		return "SystemReset"
	case "Ping":
		return "Ping"
	}
	return ""
}

// Dispatch runs the handler for one inbound envelope and returns the
// final response data, or nil when the envelope warrants no reply
// (inbound ACK, missing command).
func (d *Dispatcher) Dispatch(env *protocol.Envelope) map[string]interface{} {
	if env.Message == protocol.MsgACK {
		return nil
	}
	command := env.Data.Command
	if command == "" {
		return nil
	}

	if d.bus != nil {
		d.bus.Emit(events.TypeCommandReceived, "emulator", map[string]interface{}{
			"command":   command,
			"ecrId":     env.Data.EcrID,
			"requestId": env.Data.RequestID,
		})
	}

	req := newRequest(env)
	var extra map[string]interface{}
	var label string
	var cmdErr *CmdError

	switch canonicalCommand(command) {
	case "Sale":
		label = "Sale"
		extra, cmdErr = d.handleSale(req, TypeSale)
	case "ForceSale":
		label = "ForceSale"
		extra, cmdErr = d.handleSale(req, TypeForceSale)
	case "PreAuth":
		label = "PreAuth"
		extra, cmdErr = d.handlePreAuth(req)
	case "AuthCompletion":
		label = "AuthCompletion"
		extra, cmdErr = d.handleAuthCompletion(req)
	case "Void":
		label = "Void"
		extra, cmdErr = d.handleVoid(req, TypeVoid)
	case "Reversal":
		label = "Reversal"
		extra, cmdErr = d.handleVoid(req, TypeReversal)
	case "Refund":
		label = "Refund"
		extra, cmdErr = d.handleRefund(req)
	case "TipAdjust":
		label = "TipAdjust"
		extra, cmdErr = d.handleTipAdjust(req)
	case "EOD":
		// The final label is EOD no matter which alias arrived.
		label = "EOD"
		extra, cmdErr = d.handleBatchClose(req)
	case "StatusInquiry":
		label = "StatusInquiry"
		extra, cmdErr = d.handleStatusInquiry(req)
	case "BatchInquiry":
		label = "BatchInquiry"
		extra, cmdErr = d.handleBatchInquiry(req)
	case "TransactionList":
		label = "TransactionList"
		extra, cmdErr = d.handleTransactionList(req)
	case "SystemReset":
		label = "SystemReset"
		d.store.Reset()
	case "Ping":
		label = "Ping"
	default:
		label = command
		cmdErr = &CmdError{"CMD001", "UNKNOWN COMMAND"}
	}

	result := "Success"
	if cmdErr != nil {
		result = "Failed"
	}
	metrics.EmulatorCommands.WithLabelValues(label, result).Inc()

	return buildResponseData(env, label, extra, cmdErr)
}

// buildResponseData assembles the data section of a final response:
// cmdResult, the echoed identity, the response label, and any
// handler-specific sections.
func buildResponseData(env *protocol.Envelope, label string, extra map[string]interface{}, cmdErr *CmdError) map[string]interface{} {
	data := map[string]interface{}{
		"response":  label,
		"EcrId":     env.Data.EcrID,
		"requestId": env.Data.RequestID,
	}
	if cmdErr != nil {
		data["cmdResult"] = map[string]interface{}{
			"result":       "Failed",
			"errorCode":    cmdErr.Code,
			"errorMessage": cmdErr.Message,
		}
	} else {
		data["cmdResult"] = map[string]interface{}{"result": "Success"}
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// FinalEnvelope wraps response data in the outer MSG wrapper.
func FinalEnvelope(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"message": protocol.MsgMSG, "data": data}
}

// AckEnvelope is the bare acknowledgment sent before every final.
func AckEnvelope() map[string]interface{} {
	return map[string]interface{}{"message": protocol.MsgACK}
}

// WelcomeEnvelope greets a freshly accepted connection. READY is a
// progress kind, so a client mid-command never mistakes the greeting
// for its final response.
func WelcomeEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"message": protocol.MsgREADY,
		"data": map[string]interface{}{
			"response": "SystemReady",
		},
	}
}

// ParseErrorEnvelope reports an unparseable inbound frame.
func ParseErrorEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"message": protocol.MsgERR,
		"data": map[string]interface{}{
			"cmdResult": map[string]interface{}{
				"result":       "Failed",
				"errorCode":    "JSON001",
				"errorMessage": "MALFORMED JSON PAYLOAD",
			},
		},
	}
}
