// Package emulator implements the terminal side: the transaction/batch
// state core with file persistence, the command dispatcher that drives
// the ACK-then-final response sequence, and the TCP/admin servers.
package emulator

import "time"

// TransactionType is the command family a transaction record belongs to.
type TransactionType string

const (
	TypeSale       TransactionType = "Sale"
	TypePreAuth    TransactionType = "PreAuth"
	TypeCapture    TransactionType = "Capture"
	TypeVoid       TransactionType = "Void"
	TypeRefund     TransactionType = "Refund"
	TypeTipAdjust  TransactionType = "TipAdjust"
	TypeReversal   TransactionType = "Reversal"
	TypeBatchClose TransactionType = "BatchClose"
	TypeForceSale  TransactionType = "ForceSale"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending       TransactionStatus = "PENDING"
	StatusApproved      TransactionStatus = "APPROVED"
	StatusDeclined      TransactionStatus = "DECLINED"
	StatusVoided        TransactionStatus = "VOIDED"
	StatusSettled       TransactionStatus = "SETTLED"
	StatusRefunded      TransactionStatus = "REFUNDED"
	StatusPartialVoided TransactionStatus = "PARTIAL_VOIDED"
	StatusTipAdjusted   TransactionStatus = "TIP_ADJUSTED"
)

// Card acquisition methods.
const (
	AcquisitionInsert = "INSERT"
	AcquisitionSwipe  = "SWIPE"
	AcquisitionManual = "MANUAL"
	AcquisitionTap    = "TAP"
)

// Transaction is one persisted transaction record. All amounts are
// decimal strings with exactly two fractional digits; they are never
// round-tripped through binary floating point.
type Transaction struct {
	ID              string            `json:"id"`
	TranNo          string            `json:"tranNo"`
	ReferenceNumber string            `json:"referenceNumber"`
	ResponseID      int64             `json:"responseId"`
	ApprovalCode    string            `json:"approvalCode,omitempty"`
	Type            TransactionType   `json:"type"`
	Status          TransactionStatus `json:"status"`

	BaseAmount       string `json:"baseAmount"`
	TipAmount        string `json:"tipAmount"`
	TaxAmount        string `json:"taxAmount"`
	CashbackAmount   string `json:"cashbackAmount"`
	TotalAmount      string `json:"totalAmount"`
	AuthorizedAmount string `json:"authorizedAmount"`

	CardAcquisition string `json:"cardAcquisition,omitempty"`
	CardType        string `json:"cardType,omitempty"`
	MaskedPAN       string `json:"maskedPAN,omitempty"`

	BatchID   string `json:"batchId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	// OriginalTransaction is the id of the prior transaction a Void,
	// Reversal, Refund, or TipAdjust targets. A relation, not ownership:
	// the target stays where it is and is resolved by lookup.
	OriginalTransaction string `json:"originalTransaction,omitempty"`

	DeclineReason string                 `json:"declineReason,omitempty"`
	InvoiceNbr    string                 `json:"invoiceNbr,omitempty"`
	Lodging       map[string]interface{} `json:"lodging,omitempty"`
}

// clone returns a copy safe to hand outside the store's critical section.
func (t *Transaction) clone() *Transaction {
	c := *t
	if t.Lodging != nil {
		c.Lodging = make(map[string]interface{}, len(t.Lodging))
		for k, v := range t.Lodging {
			c.Lodging[k] = v
		}
	}
	return &c
}

// Batch groups transactions settled together at EOD. Exactly one batch
// is open at any time.
type Batch struct {
	ID              string   `json:"id"`
	OpenTime        string   `json:"openTime"`
	CloseTime       string   `json:"closeTime,omitempty"`
	IsOpen          bool     `json:"isOpen"`
	Transactions    []string `json:"transactions"`
	SettlementCount int      `json:"settlementCount,omitempty"`
	TotalAmount     string   `json:"totalAmount,omitempty"`
}

// Counters back the monotonic id allocators. nextRefNo starts at
// 2·10¹¹ so reference numbers are always 12 digits.
type Counters struct {
	NextTranNo  int64 `json:"nextTranNo"`
	NextBatchNo int64 `json:"nextBatchNo"`
	NextRefNo   int64 `json:"nextRefNo"`
}

// DayStats aggregates per-calendar-day activity.
type DayStats struct {
	Count          int    `json:"count"`
	ApprovedAmount string `json:"approvedAmount"`
}

// Statistics tracks global and daily activity counters.
type Statistics struct {
	TotalTransactions int                  `json:"totalTransactions"`
	Approved          int                  `json:"approved"`
	Declined          int                  `json:"declined"`
	Voided            int                  `json:"voided"`
	Refunded          int                  `json:"refunded"`
	Settled           int                  `json:"settled"`
	ByType            map[string]int       `json:"byType"`
	Daily             map[string]*DayStats `json:"daily"`
}

func newStatistics() *Statistics {
	return &Statistics{
		ByType: make(map[string]int),
		Daily:  make(map[string]*DayStats),
	}
}

// BatchSummary is the settlement report returned by CloseBatch and
// echoed in the EOD response.
type BatchSummary struct {
	BatchID         string `json:"batchId"`
	SalesCount      int    `json:"salesCount"`
	RefundCount     int    `json:"refundCount"`
	SettlementCount int    `json:"settlementCount"`
	NetAmount       string `json:"netAmount"`
	CloseTime       string `json:"closeTime"`
	NewBatchID      string `json:"newBatchId"`
}

// CmdError is a terminal-level command failure surfaced to the POS as
// cmdResult.result = "Failed" with an error code.
type CmdError struct {
	Code    string
	Message string
}

func (e *CmdError) Error() string {
	return e.Code + ": " + e.Message
}

// State is the persisted JSON document shape.
type State struct {
	Transactions []*Transaction `json:"transactions"`
	Batches      []*Batch       `json:"batches"`
	Counters     Counters       `json:"counters"`
	CurrentBatch *Batch         `json:"currentBatch"`
	Statistics   *Statistics    `json:"statistics"`
}

// nowISO returns the current time as ISO-8601 UTC.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// dayKey returns the daily-statistics bucket for the current date.
func dayKey() string {
	return time.Now().UTC().Format("2006-01-02")
}
