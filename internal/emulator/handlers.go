package emulator

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/poslink/terminal-agent/internal/protocol"
)

// Simulated decline thresholds. Deterministic so POS integrations can
// exercise every outcome against the emulator.
var (
	declineAt      = decimal.RequireFromString("500.00")
	partialFloor   = decimal.RequireFromString("155.00")
	partialCeil    = decimal.RequireFromString("200.00")
	partialApprove = decimal.RequireFromString("100.00")
)

// request wraps the inbound payload with typed field access.
type request struct {
	params      map[string]interface{}
	transaction map[string]interface{}
	lodging     map[string]interface{}
}

func newRequest(env *protocol.Envelope) request {
	r := request{}
	if env.Data.Data != nil {
		r.params = env.Data.Data.Params
		r.transaction = env.Data.Data.Transaction
		r.lodging = env.Data.Data.Lodging
	}
	return r
}

// str returns the first present field as a string, accepting numbers
// the POS forgot to quote.
func (r request) str(keys ...string) string {
	for _, m := range []map[string]interface{}{r.transaction, r.params} {
		if m == nil {
			continue
		}
		for _, k := range keys {
			switch v := m[k].(type) {
			case string:
				if v != "" {
					return v
				}
			case float64:
				return decimal.NewFromFloat(v).String()
			}
		}
	}
	return ""
}

// amount parses the first present field as a decimal, zero when absent.
func (r request) amount(keys ...string) decimal.Decimal {
	s := r.str(keys...)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var cardTypes = []string{"Visa", "Mastercard", "Amex", "Discover"}

var acquisitions = []string{AcquisitionInsert, AcquisitionSwipe, AcquisitionManual, AcquisitionTap}

// simulateCard fabricates the card presentation for a transaction. A
// caller-supplied account number drives the masked PAN (and therefore
// the last-four decline rule); otherwise a random card is produced.
func simulateCard(account string) (maskedPAN, cardType, acquisition string) {
	pan := account
	if len(pan) < 10 {
		pan = fmt.Sprintf("4%015d", rand.Int63n(1_000_000_000_000_000))
		for strings.HasSuffix(pan, "0001") {
			// The 0001 suffix is the simulated hard-decline card; only a
			// caller-supplied account may trigger it.
			pan = fmt.Sprintf("4%015d", rand.Int63n(1_000_000_000_000_000))
		}
	}
	maskedPAN = pan[:6] + "******" + pan[len(pan)-4:]
	cardType = cardTypes[rand.Intn(len(cardTypes))]
	if strings.HasPrefix(pan, "4") {
		cardType = "Visa"
	}
	acquisition = acquisitions[rand.Intn(len(acquisitions))]
	return maskedPAN, cardType, acquisition
}

func lastFour(maskedPAN string) string {
	if len(maskedPAN) < 4 {
		return ""
	}
	return maskedPAN[len(maskedPAN)-4:]
}

// hostSection renders the acquirer-host block of a final response.
func hostSection(t *Transaction, responseCode, responseText string) map[string]interface{} {
	host := map[string]interface{}{
		"responseCode":     responseCode,
		"responseText":     responseText,
		"tranNo":           t.TranNo,
		"referenceNumber":  t.ReferenceNumber,
		"responseId":       t.ResponseID,
		"batchId":          t.BatchID,
		"totalAmount":      t.TotalAmount,
		"authorizedAmount": t.AuthorizedAmount,
	}
	if t.ApprovalCode != "" {
		host["approvalCode"] = t.ApprovalCode
	}
	return host
}

func paymentSection(t *Transaction) map[string]interface{} {
	return map[string]interface{}{
		"cardType":        t.CardType,
		"maskedPAN":       t.MaskedPAN,
		"cardAcquisition": t.CardAcquisition,
	}
}

// handleSale runs a credit sale (or force sale). The decline and
// partial-approval rules are amount-driven: totals of 500.00 and up
// decline, a PAN ending 0001 declines, and totals in [155.00, 200.00)
// approve partially at 100.00.
func (d *Dispatcher) handleSale(req request, saleType TransactionType) (map[string]interface{}, *CmdError) {
	base := req.amount("baseAmount", "amount")
	if base.IsZero() {
		return nil, &CmdError{"AMT001", "BASE AMOUNT REQUIRED"}
	}
	tip := req.amount("tipAmount")
	tax := req.amount("taxAmount")
	cashback := req.amount("cashBackAmount", "cashbackAmount")
	total := base.Add(tip).Add(tax).Add(cashback)

	maskedPAN, cardType, acquisition := simulateCard(req.str("account", "cardNumber"))

	ids := d.store.NewIds()
	t := &Transaction{
		TranNo:          ids.TranNo,
		ReferenceNumber: ids.ReferenceNumber,
		ResponseID:      ids.ResponseID,
		Type:            saleType,
		BaseAmount:      base.StringFixed(2),
		TipAmount:       tip.StringFixed(2),
		TaxAmount:       tax.StringFixed(2),
		CashbackAmount:  cashback.StringFixed(2),
		TotalAmount:     total.StringFixed(2),
		CardAcquisition: acquisition,
		CardType:        cardType,
		MaskedPAN:       maskedPAN,
		InvoiceNbr:      req.str("invoiceNbr"),
	}

	// Decline rules. Force sales are offline-captured and never decline
	// on amount; the card rule still applies.
	declineReason := ""
	if lastFour(maskedPAN) == "0001" {
		declineReason = "CARD DECLINED"
	} else if saleType != TypeForceSale && total.GreaterThanOrEqual(declineAt) {
		declineReason = "AMOUNT TOO HIGH"
	}

	if declineReason != "" {
		t.Status = StatusDeclined
		t.AuthorizedAmount = "0.00"
		t.DeclineReason = declineReason
		added := d.store.AddTransaction(t)

		host := hostSection(added, "05", "DECLINE")
		host["errorCode"] = "DECLINE"
		host["declineReason"] = declineReason
		return map[string]interface{}{
			"host":        host,
			"payment":     paymentSection(added),
			"transaction": added,
		}, nil
	}

	partial := saleType != TypeForceSale &&
		total.GreaterThanOrEqual(partialFloor) && total.LessThan(partialCeil)

	t.Status = StatusApproved
	t.ApprovalCode = ids.ApprovalCode
	responseCode, responseText := "00", "APPROVAL"
	if partial {
		t.AuthorizedAmount = partialApprove.StringFixed(2)
		responseCode = "10"
		responseText = "PARTIAL APPROVAL"
	} else {
		t.AuthorizedAmount = t.TotalAmount
	}
	added := d.store.AddTransaction(t)

	host := hostSection(added, responseCode, responseText)
	if partial {
		host["partial"] = 1
		host["balanceDue"] = total.Sub(partialApprove).StringFixed(2)
	} else {
		host["partial"] = 0
	}
	return map[string]interface{}{
		"host":        host,
		"payment":     paymentSection(added),
		"transaction": added,
	}, nil
}

// handlePreAuth places an authorization hold. The same card decline
// rule applies; holds are not subject to the amount ceiling.
func (d *Dispatcher) handlePreAuth(req request) (map[string]interface{}, *CmdError) {
	amount := req.amount("amount", "baseAmount", "preAuthAmount")
	if amount.IsZero() {
		return nil, &CmdError{"AMT001", "AMOUNT REQUIRED"}
	}

	maskedPAN, cardType, acquisition := simulateCard(req.str("account", "cardNumber"))

	ids := d.store.NewIds()
	t := &Transaction{
		TranNo:          ids.TranNo,
		ReferenceNumber: ids.ReferenceNumber,
		ResponseID:      ids.ResponseID,
		Type:            TypePreAuth,
		BaseAmount:      amount.StringFixed(2),
		TipAmount:       "0.00",
		TaxAmount:       "0.00",
		CashbackAmount:  "0.00",
		TotalAmount:     amount.StringFixed(2),
		CardAcquisition: acquisition,
		CardType:        cardType,
		MaskedPAN:       maskedPAN,
		Lodging:         req.lodging,
	}

	if lastFour(maskedPAN) == "0001" {
		t.Status = StatusDeclined
		t.AuthorizedAmount = "0.00"
		t.DeclineReason = "CARD DECLINED"
		added := d.store.AddTransaction(t)
		host := hostSection(added, "05", "DECLINE")
		host["errorCode"] = "DECLINE"
		host["declineReason"] = t.DeclineReason
		return map[string]interface{}{
			"host":        host,
			"payment":     paymentSection(added),
			"transaction": added,
		}, nil
	}

	t.Status = StatusApproved
	t.ApprovalCode = ids.ApprovalCode
	t.AuthorizedAmount = t.TotalAmount
	added := d.store.AddTransaction(t)
	return map[string]interface{}{
		"host":        hostSection(added, "00", "APPROVAL"),
		"payment":     paymentSection(added),
		"transaction": added,
	}, nil
}

// handleAuthCompletion captures an open PreAuth in place: the hold
// becomes a Capture with the final amount and settles at batch close.
func (d *Dispatcher) handleAuthCompletion(req request) (map[string]interface{}, *CmdError) {
	ref := req.str("referenceNumber", "tranNo")
	if ref == "" {
		return nil, &CmdError{"REF001", "REFERENCE NUMBER REQUIRED"}
	}
	target, ok := d.store.Find(ref)
	if !ok {
		return nil, &CmdError{"REF001", "ORIGINAL TRANSACTION NOT FOUND"}
	}
	if target.Type != TypePreAuth || target.Status != StatusApproved {
		return nil, &CmdError{"TRAN009", "TRANSACTION NOT CAPTURABLE"}
	}

	amount := req.amount("amount", "baseAmount")
	if amount.IsZero() {
		return nil, &CmdError{"AMT001", "AMOUNT REQUIRED"}
	}
	tip := req.amount("tipAmount")
	total := amount.Add(tip)

	captured, _ := d.store.Update(target.ID, func(t *Transaction) {
		t.Type = TypeCapture
		t.BaseAmount = amount.StringFixed(2)
		t.TipAmount = tip.StringFixed(2)
		t.TotalAmount = total.StringFixed(2)
		t.AuthorizedAmount = total.StringFixed(2)
	})
	return map[string]interface{}{
		"host":        hostSection(captured, "00", "APPROVAL"),
		"payment":     paymentSection(captured),
		"transaction": captured,
	}, nil
}

func (d *Dispatcher) handleVoid(req request, voidType TransactionType) (map[string]interface{}, *CmdError) {
	identifier := req.str("tranNo", "referenceNumber")
	if identifier == "" {
		return nil, &CmdError{"REF001", "TRANNO OR REFERENCE NUMBER REQUIRED"}
	}
	voidTx, cmdErr := d.store.Void(identifier, voidType)
	if cmdErr != nil {
		return nil, cmdErr
	}
	return map[string]interface{}{
		"host":        hostSection(voidTx, "00", "VOID APPROVED"),
		"transaction": voidTx,
	}, nil
}

func (d *Dispatcher) handleRefund(req request) (map[string]interface{}, *CmdError) {
	total := req.amount("totalAmount", "amount")
	if total.IsZero() {
		return nil, &CmdError{"AMT001", "TOTAL AMOUNT REQUIRED"}
	}
	refundTx, cmdErr := d.store.Refund(total.StringFixed(2), req.str("referenceNumber", "tranNo"))
	if cmdErr != nil {
		return nil, cmdErr
	}
	return map[string]interface{}{
		"host":        hostSection(refundTx, "00", "REFUND APPROVED"),
		"transaction": refundTx,
	}, nil
}

func (d *Dispatcher) handleTipAdjust(req request) (map[string]interface{}, *CmdError) {
	tip := req.str("tipAmount")
	if tip == "" {
		return nil, &CmdError{"AMT001", "TIP AMOUNT REQUIRED"}
	}
	identifier := req.str("tranNo", "referenceNumber")
	if identifier == "" {
		return nil, &CmdError{"REF001", "TRANNO OR REFERENCE NUMBER REQUIRED"}
	}
	adjusted, cmdErr := d.store.TipAdjust(identifier, tip)
	if cmdErr != nil {
		return nil, cmdErr
	}
	return map[string]interface{}{
		"host":        hostSection(adjusted, "00", "TIP ADJUSTED"),
		"transaction": adjusted,
	}, nil
}

func (d *Dispatcher) handleBatchClose(req request) (map[string]interface{}, *CmdError) {
	summary := d.store.CloseBatch()
	return map[string]interface{}{
		"batchSummary": map[string]interface{}{
			"batchId":         summary.BatchID,
			"salesCount":      summary.SalesCount,
			"refundCount":     summary.RefundCount,
			"settlementCount": summary.SettlementCount,
			"netAmount":       summary.NetAmount,
			"closeTime":       summary.CloseTime,
			"newBatchId":      summary.NewBatchID,
		},
	}, nil
}

func (d *Dispatcher) handleStatusInquiry(req request) (map[string]interface{}, *CmdError) {
	identifier := req.str("tranNo", "referenceNumber")
	if identifier == "" {
		return nil, &CmdError{"REF001", "TRANNO OR REFERENCE NUMBER REQUIRED"}
	}
	t, ok := d.store.Find(identifier)
	if !ok {
		return nil, &CmdError{"REF001", "TRANSACTION NOT FOUND"}
	}
	return map[string]interface{}{"transaction": t}, nil
}

func (d *Dispatcher) handleBatchInquiry(req request) (map[string]interface{}, *CmdError) {
	batch := d.store.CurrentBatch()
	unsettled := d.store.Unsettled()
	total := decimal.Zero
	for _, t := range unsettled {
		amt, err := decimal.NewFromString(t.AuthorizedOrTotal())
		if err != nil {
			continue
		}
		if t.Type == TypeRefund {
			total = total.Sub(amt)
		} else {
			total = total.Add(amt)
		}
	}
	return map[string]interface{}{
		"batch": map[string]interface{}{
			"batchId":          batch.ID,
			"openTime":         batch.OpenTime,
			"transactionCount": len(batch.Transactions),
			"unsettledCount":   len(unsettled),
			"unsettledAmount":  total.StringFixed(2),
		},
	}, nil
}

func (d *Dispatcher) handleTransactionList(req request) (map[string]interface{}, *CmdError) {
	list := d.store.OpenBatchTransactions()
	return map[string]interface{}{
		"transactions": list,
		"count":        len(list),
	}, nil
}
