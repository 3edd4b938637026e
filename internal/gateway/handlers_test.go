package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poslink/terminal-agent/internal/config"
	"github.com/poslink/terminal-agent/internal/protocol"
)

type captured struct {
	ip   string
	port int
	env  protocol.Envelope
}

func newTestGateway() (*Gateway, *captured) {
	cfg := &config.Config{}
	cfg.Server.CORSAllowOrigins = []string{"*"}
	cfg.Terminal.IP = "127.0.0.1"
	cfg.Terminal.Port = 9001
	cfg.Terminal.PortAlt = 9002
	cfg.Terminal.EcrID = "1"
	cfg.Timeouts.ConnectMs = 5000
	cfg.Timeouts.ReadMs = 180000
	cfg.Timeouts.IdleByteMs = 25000

	g := New(cfg)
	sent := &captured{}
	g.send = func(ctx context.Context, ip string, port int, env protocol.Envelope, t protocol.Timeouts) protocol.Result {
		sent.ip, sent.port, sent.env = ip, port, env
		return protocol.Result{
			OK: true,
			Rsp: &protocol.Response{
				Message: protocol.MsgMSG,
				Data: map[string]interface{}{
					"cmdResult": map[string]interface{}{"result": "Success"},
					"response":  env.Data.Command,
				},
			},
			Log: []protocol.Event{{Type: protocol.EventConnect}},
		}
	}
	return g, sent
}

func post(t *testing.T, g *Gateway, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSaleBuildsNormalizedEnvelope(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/sale", `{"sale":{"transaction":{"baseAmount":"10","tipAmount":2.5}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "Sale", sent.env.Data.Command)
	assert.Equal(t, "1", sent.env.Data.EcrID)
	assert.Len(t, sent.env.Data.RequestID, 6)

	tran := sent.env.Data.Data.Transaction
	assert.Equal(t, "10.00", tran["baseAmount"])
	assert.Equal(t, "2.50", tran["tipAmount"])
	assert.Equal(t, "0.00", tran["taxAmount"])
	assert.Equal(t, "0", tran["taxIndicator"])

	out := decodeSession(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["ok"])
	assert.NotEmpty(t, out["requestId"])
	assert.NotEmpty(t, out["log"])
}

func TestSaleMissingBaseAmountIs400(t *testing.T) {
	g, _ := newTestGateway()
	rec := post(t, g, "/sale", `{"sale":{"transaction":{"tipAmount":"1.00"}}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	out := decodeSession(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["message"], "baseAmount")
}

func TestSaleDestinationOverrides(t *testing.T) {
	g, sent := newTestGateway()
	post(t, g, "/sale", `{"ip":"10.1.1.1","port":9999,"ecrId":"77","sale":{"transaction":{"baseAmount":"5"}}}`)
	assert.Equal(t, "10.1.1.1", sent.ip)
	assert.Equal(t, 9999, sent.port)
	assert.Equal(t, "77", sent.env.Data.EcrID)
}

func TestSaleLodgingBlockForwarded(t *testing.T) {
	g, sent := newTestGateway()
	post(t, g, "/sale/lodging", `{"sale":{"transaction":{"baseAmount":"100"},"lodging":{"folioNumber":"F12","stayDuration":3}}}`)
	require.NotNil(t, sent.env.Data.Data.Lodging)
	assert.Equal(t, "F12", sent.env.Data.Data.Lodging["folioNumber"])
}

func TestPreAuthRequiresAmount(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/preauth", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, g, "/preauth", `{"preauth":{"transaction":{"amount":"75"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PreAuth", sent.env.Data.Command)
	assert.Equal(t, "75.00", sent.env.Data.Data.Transaction["amount"])
}

func TestVoidRequiresIdentifier(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/void", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, g, "/void", `{"void":{"transaction":{"tranNo":"000004"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Void", sent.env.Data.Command)
	assert.Equal(t, "000004", sent.env.Data.Data.Transaction["tranNo"])
}

func TestRefundRequiresTotalAmount(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/refund", `{"refund":{"transaction":{"referenceNumber":"200000000000"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, g, "/refund", `{"refund":{"transaction":{"totalAmount":"20.00"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Refund", sent.env.Data.Command)
	_, referenced := sent.env.Data.Data.Transaction["referenceNumber"]
	assert.False(t, referenced)
}

func TestTipAdjustValidation(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/tip-adjust", `{"tipAdjust":{"transaction":{"tranNo":"000001"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, g, "/tip-adjust", `{"tipAdjust":{"transaction":{"tipAmount":"3.00"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, g, "/tip-adjust", `{"tipAdjust":{"transaction":{"tipAmount":"3.00","tranNo":"000001"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TipAdjust", sent.env.Data.Command)
}

func TestBatchCloseDefaultsToEOD(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/batch-close", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EOD", sent.env.Data.Command)

	post(t, g, "/batch-close", `{"command":"BatchClose"}`)
	assert.Equal(t, "BatchClose", sent.env.Data.Command)
}

func TestGenericCommandPassthrough(t *testing.T) {
	g, sent := newTestGateway()
	rec := post(t, g, "/command", `{"command":"StatusInquiry","data":{"transaction":{"tranNo":"000001"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "StatusInquiry", sent.env.Data.Command)
	assert.Equal(t, "000001", sent.env.Data.Data.Transaction["tranNo"])

	rec = post(t, g, "/command", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtocolFailureStillHTTP200(t *testing.T) {
	g, _ := newTestGateway()
	g.send = func(ctx context.Context, ip string, port int, env protocol.Envelope, tt protocol.Timeouts) protocol.Result {
		return protocol.Result{
			Error: protocol.ErrIdleTimeout,
			Log:   []protocol.Event{{Type: protocol.EventConnect}},
		}
	}

	rec := post(t, g, "/sale", `{"sale":{"transaction":{"baseAmount":"10.00"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeSession(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, string(protocol.ErrIdleTimeout), out["error"])
	assert.NotEmpty(t, out["log"])
}

func TestPingUsesQueryParams(t *testing.T) {
	g, sent := newTestGateway()
	req := httptest.NewRequest("GET", "/ping?ip=10.2.2.2&port=9100&ecrId=9", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.2.2.2", sent.ip)
	assert.Equal(t, 9100, sent.port)
	assert.Equal(t, "Ping", sent.env.Data.Command)
	assert.Equal(t, "9", sent.env.Data.EcrID)
}

func TestHealthReportsEffectiveConfig(t *testing.T) {
	g, _ := newTestGateway()

	rec := post(t, g, "/config", `{"terminalIp":"10.9.9.9","readTimeoutMs":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest("GET", "/health", nil)
	hrec := httptest.NewRecorder()
	g.Router().ServeHTTP(hrec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(hrec.Body.Bytes(), &out))
	cfg := out["config"].(map[string]interface{})
	assert.Equal(t, "10.9.9.9", cfg["terminalIp"])
	assert.Equal(t, float64(60000), cfg["readTimeoutMs"])
	// Untouched values stay at the process defaults.
	assert.Equal(t, float64(9001), cfg["terminalPort"])
}

func TestMalformedBodyIs400(t *testing.T) {
	g, _ := newTestGateway()
	rec := post(t, g, "/sale", `{"sale":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
