package emulator

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poslink/terminal-agent/internal/events"
	"github.com/poslink/terminal-agent/internal/metrics"
)

// refNoBase keeps reference numbers at 12 decimal digits.
const refNoBase = 200_000_000_000

// Store is the terminal state core: transactions, batches, counters,
// and statistics. It is process-wide mutable state shared across
// emulator connections; every mutation passes through the single mutex
// critical section. File flushes happen outside the lock on a dedicated
// writer goroutine consuming snapshots.
type Store struct {
	mu sync.Mutex

	transactions   []*Transaction
	batches        []*Batch
	current        *Batch
	counters       Counters
	stats          *Statistics
	nextResponseID int64

	bus    *events.Bus
	writer *persistWriter
}

// IDSet is one atomically allocated identifier tuple.
type IDSet struct {
	TranNo          string
	ReferenceNumber string
	ResponseID      int64
	ApprovalCode    string
}

// NewStore loads (or initializes) the persisted document at path and
// starts the background flush writer. Pass an empty path to run purely
// in memory (tests). The bus may be nil.
func NewStore(path string, flushIntervalMs int, bus *events.Bus) (*Store, error) {
	s := &Store{
		stats: newStatistics(),
		counters: Counters{
			NextTranNo:  1,
			NextBatchNo: 1,
			NextRefNo:   refNoBase,
		},
		nextResponseID: 100000,
		bus:            bus,
	}

	if path != "" {
		state, err := loadState(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if state != nil {
			s.restore(state)
		}
		s.writer = newPersistWriter(path, flushIntervalMs)
	}

	if s.current == nil {
		s.current = s.openBatchLocked()
	}
	s.persistLocked()
	return s, nil
}

// restore rebuilds in-memory state from a loaded document, then
// reconstructs any counter the document is missing as max(existing)+1.
func (s *Store) restore(state *State) {
	s.transactions = state.Transactions
	s.batches = state.Batches
	s.current = state.CurrentBatch
	s.counters = state.Counters
	if state.Statistics != nil {
		s.stats = state.Statistics
		if s.stats.ByType == nil {
			s.stats.ByType = make(map[string]int)
		}
		if s.stats.Daily == nil {
			s.stats.Daily = make(map[string]*DayStats)
		}
	}

	var maxTran, maxRef, maxResp int64
	for _, t := range s.transactions {
		if n, err := strconv.ParseInt(t.TranNo, 10, 64); err == nil && n > maxTran {
			maxTran = n
		}
		if n, err := strconv.ParseInt(t.ReferenceNumber, 10, 64); err == nil && n > maxRef {
			maxRef = n
		}
		if t.ResponseID > maxResp {
			maxResp = t.ResponseID
		}
	}
	if s.counters.NextTranNo <= maxTran {
		s.counters.NextTranNo = maxTran + 1
	}
	if s.counters.NextTranNo == 0 {
		s.counters.NextTranNo = 1
	}
	if s.counters.NextRefNo <= maxRef {
		s.counters.NextRefNo = maxRef + 1
	}
	if s.counters.NextRefNo < refNoBase {
		s.counters.NextRefNo = refNoBase
	}
	if s.counters.NextBatchNo == 0 {
		var maxBatch int64
		for _, b := range append(append([]*Batch{}, s.batches...), s.current) {
			if b == nil || len(b.ID) < 2 {
				continue
			}
			if n, err := strconv.ParseInt(b.ID[1:], 10, 64); err == nil && n > maxBatch {
				maxBatch = n
			}
		}
		s.counters.NextBatchNo = maxBatch + 1
	}
	s.nextResponseID = maxResp + 1
	if s.nextResponseID < 100000 {
		s.nextResponseID = 100000
	}
	if s.current != nil && !s.current.IsOpen {
		s.batches = append(s.batches, s.current)
		s.current = nil
	}
}

// Close flushes pending state and stops the writer.
func (s *Store) Close() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if s.writer != nil {
		s.writer.stop(snap)
	}
}

// NewIds atomically allocates the identifier tuple for one transaction.
func (s *Store) NewIds() IDSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newIdsLocked()
}

func (s *Store) newIdsLocked() IDSet {
	ids := IDSet{
		TranNo:          fmt.Sprintf("%06d", s.counters.NextTranNo),
		ReferenceNumber: strconv.FormatInt(s.counters.NextRefNo, 10),
		ResponseID:      s.nextResponseID,
		ApprovalCode:    fmt.Sprintf("%06d", rand.Intn(900000)+100000),
	}
	s.counters.NextTranNo++
	s.counters.NextRefNo++
	s.nextResponseID++
	return ids
}

// AddTransaction assigns an id, binds the transaction to the open
// batch, timestamps it, updates statistics, and persists.
func (s *Store) AddTransaction(t *Transaction) *Transaction {
	s.mu.Lock()
	added := s.addLocked(t)
	s.persistLocked()
	out := added.clone()
	s.mu.Unlock()

	metrics.EmulatorTransactions.WithLabelValues(string(out.Type), string(out.Status)).Inc()
	s.emit(events.TypeTransactionAdded, map[string]interface{}{
		"tranNo": out.TranNo,
		"type":   string(out.Type),
		"status": string(out.Status),
		"total":  out.TotalAmount,
	})
	return out
}

func (s *Store) addLocked(t *Transaction) *Transaction {
	t.ID = uuid.NewString()
	t.BatchID = s.current.ID
	now := nowISO()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.transactions = append(s.transactions, t)
	s.current.Transactions = append(s.current.Transactions, t.ID)

	s.stats.TotalTransactions++
	s.stats.ByType[string(t.Type)]++
	day := s.stats.Daily[dayKey()]
	if day == nil {
		day = &DayStats{ApprovedAmount: "0.00"}
		s.stats.Daily[dayKey()] = day
	}
	day.Count++
	switch t.Status {
	case StatusApproved, StatusTipAdjusted:
		s.stats.Approved++
		day.ApprovedAmount = addAmount(day.ApprovedAmount, t.AuthorizedOrTotal())
	case StatusDeclined:
		s.stats.Declined++
	}
	return t
}

// AuthorizedOrTotal returns the authorized amount when present (partial
// approvals) and the total otherwise.
func (t *Transaction) AuthorizedOrTotal() string {
	if t.AuthorizedAmount != "" && t.AuthorizedAmount != "0.00" {
		return t.AuthorizedAmount
	}
	return t.TotalAmount
}

// Find looks a transaction up by id, tranNo, referenceNumber, or
// responseId, first match winning in that precedence order. The
// returned copy is safe to read outside the critical section; repeated
// calls never mutate anything.
func (s *Store) Find(identifier string) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(identifier)
	if t == nil {
		return nil, false
	}
	return t.clone(), true
}

func (s *Store) findLocked(identifier string) *Transaction {
	if identifier == "" {
		return nil
	}
	for _, t := range s.transactions {
		if t.ID == identifier {
			return t
		}
	}
	for _, t := range s.transactions {
		if t.TranNo == identifier || paddedEq(t.TranNo, identifier) {
			return t
		}
	}
	for _, t := range s.transactions {
		if t.ReferenceNumber == identifier {
			return t
		}
	}
	for _, t := range s.transactions {
		if strconv.FormatInt(t.ResponseID, 10) == identifier {
			return t
		}
	}
	return nil
}

// paddedEq matches tranNo lookups whether or not the caller zero-pads.
func paddedEq(stored, query string) bool {
	a, errA := strconv.ParseInt(stored, 10, 64)
	b, errB := strconv.ParseInt(query, 10, 64)
	return errA == nil && errB == nil && a == b
}

// Update applies mutate to the transaction matching identifier,
// timestamps it, and persists. Returns the updated copy.
func (s *Store) Update(identifier string, mutate func(*Transaction)) (*Transaction, bool) {
	s.mu.Lock()
	t := s.findLocked(identifier)
	if t == nil {
		s.mu.Unlock()
		return nil, false
	}
	before := t.Status
	mutate(t)
	t.UpdatedAt = nowISO()
	s.persistLocked()
	after := t.Status
	out := t.clone()
	s.mu.Unlock()

	if before != after {
		s.emit(events.TypeStatusChanged, map[string]interface{}{
			"tranNo": out.TranNo,
			"from":   string(before),
			"to":     string(after),
		})
	}
	return out, true
}

// Unsettled returns the open batch's transactions with status APPROVED
// or TIP_ADJUSTED, in insertion order.
func (s *Store) Unsettled() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transaction, 0)
	for _, t := range s.unsettledLocked() {
		out = append(out, t.clone())
	}
	return out
}

func (s *Store) unsettledLocked() []*Transaction {
	inBatch := make(map[string]bool, len(s.current.Transactions))
	for _, id := range s.current.Transactions {
		inBatch[id] = true
	}
	var out []*Transaction
	for _, t := range s.transactions {
		if !inBatch[t.ID] {
			continue
		}
		if t.Status == StatusApproved || t.Status == StatusTipAdjusted {
			out = append(out, t)
		}
	}
	return out
}

// CloseBatch settles every unsettled transaction of the open batch
// atomically, stamps the close time, archives the batch, and opens a
// fresh one. Sales add to the net; refunds subtract.
func (s *Store) CloseBatch() *BatchSummary {
	s.mu.Lock()

	unsettled := s.unsettledLocked()
	now := nowISO()
	net := decimal.Zero
	summary := &BatchSummary{
		BatchID:   s.current.ID,
		CloseTime: now,
		NetAmount: "0.00",
	}
	for _, t := range unsettled {
		t.Status = StatusSettled
		t.UpdatedAt = now
		s.stats.Settled++
		amt, err := decimal.NewFromString(t.AuthorizedOrTotal())
		if err != nil {
			slog.Warn("unparseable amount at settlement", "tranNo", t.TranNo, "amount", t.TotalAmount)
			amt = decimal.Zero
		}
		switch t.Type {
		case TypeRefund:
			summary.RefundCount++
			net = net.Sub(amt)
		case TypeVoid, TypeReversal, TypeTipAdjust:
			// Zero-total journal rows; the economic effect lives on the
			// transaction they reference.
			net = net.Add(amt)
		default:
			summary.SalesCount++
			net = net.Add(amt)
		}
	}
	summary.SettlementCount = len(unsettled)
	summary.NetAmount = net.StringFixed(2)

	s.current.IsOpen = false
	s.current.CloseTime = now
	s.current.SettlementCount = len(unsettled)
	s.current.TotalAmount = summary.NetAmount
	s.batches = append(s.batches, s.current)

	s.current = s.openBatchLocked()
	summary.NewBatchID = s.current.ID
	s.persistLocked()
	s.mu.Unlock()

	metrics.EmulatorBatchCloses.Inc()
	s.emit(events.TypeBatchClosed, map[string]interface{}{
		"batchId":   summary.BatchID,
		"settled":   summary.SettlementCount,
		"netAmount": summary.NetAmount,
	})
	return summary
}

func (s *Store) openBatchLocked() *Batch {
	b := &Batch{
		ID:           fmt.Sprintf("B%04d", s.counters.NextBatchNo),
		OpenTime:     nowISO(),
		IsOpen:       true,
		Transactions: []string{},
	}
	s.counters.NextBatchNo++
	return b
}

// Void voids the transaction matching identifier: the target flips to
// VOIDED and a new Void transaction referencing it is recorded.
func (s *Store) Void(identifier string, voidType TransactionType) (*Transaction, *CmdError) {
	s.mu.Lock()

	target := s.findLocked(identifier)
	if target == nil {
		s.mu.Unlock()
		return nil, &CmdError{"REF001", "ORIGINAL TRANSACTION NOT FOUND"}
	}
	switch target.Status {
	case StatusVoided:
		s.mu.Unlock()
		return nil, &CmdError{"VOID001", "TRANSACTION ALREADY VOIDED"}
	case StatusSettled:
		s.mu.Unlock()
		return nil, &CmdError{"VOID002", "TRANSACTION ALREADY SETTLED"}
	case StatusApproved, StatusTipAdjusted:
		// adjustable
	default:
		s.mu.Unlock()
		return nil, &CmdError{"VOID003", "TRANSACTION CANNOT BE VOIDED"}
	}
	fromStatus := target.Status

	ids := s.newIdsLocked()
	voidTx := &Transaction{
		TranNo:              ids.TranNo,
		ReferenceNumber:     ids.ReferenceNumber,
		ResponseID:          ids.ResponseID,
		ApprovalCode:        ids.ApprovalCode,
		Type:                voidType,
		Status:              StatusApproved,
		BaseAmount:          target.BaseAmount,
		TipAmount:           target.TipAmount,
		TaxAmount:           target.TaxAmount,
		CashbackAmount:      target.CashbackAmount,
		TotalAmount:         "0.00",
		AuthorizedAmount:    "0.00",
		CardAcquisition:     target.CardAcquisition,
		CardType:            target.CardType,
		MaskedPAN:           target.MaskedPAN,
		OriginalTransaction: target.ID,
	}
	s.addLocked(voidTx)

	target.Status = StatusVoided
	target.UpdatedAt = nowISO()
	s.stats.Voided++
	s.persistLocked()
	out := voidTx.clone()
	targetTranNo := target.TranNo
	s.mu.Unlock()

	s.emit(events.TypeStatusChanged, map[string]interface{}{
		"tranNo": targetTranNo,
		"from":   string(fromStatus),
		"to":     string(StatusVoided),
	})
	return out, nil
}

// Refund records a refund. In referenced mode the identifier must name
// an existing transaction and the amount may not exceed its total; the
// original flips to REFUNDED when still unsettled and fully refunded.
// Unreferenced mode (empty identifier) stands alone.
func (s *Store) Refund(amount string, identifier string) (*Transaction, *CmdError) {
	s.mu.Lock()

	var original *Transaction
	if identifier != "" {
		original = s.findLocked(identifier)
		if original == nil {
			s.mu.Unlock()
			return nil, &CmdError{"REF002", "ORIGINAL TRANSACTION NOT FOUND"}
		}
		refund, err := decimal.NewFromString(amount)
		if err != nil {
			s.mu.Unlock()
			return nil, &CmdError{"AMT001", "INVALID AMOUNT"}
		}
		origTotal, err := decimal.NewFromString(original.AuthorizedOrTotal())
		if err == nil && refund.GreaterThan(origTotal) {
			s.mu.Unlock()
			return nil, &CmdError{"AMT003", "REFUND AMOUNT EXCEEDS ORIGINAL"}
		}
	}

	ids := s.newIdsLocked()
	refundTx := &Transaction{
		TranNo:           ids.TranNo,
		ReferenceNumber:  ids.ReferenceNumber,
		ResponseID:       ids.ResponseID,
		ApprovalCode:     ids.ApprovalCode,
		Type:             TypeRefund,
		Status:           StatusApproved,
		BaseAmount:       amount,
		TipAmount:        "0.00",
		TaxAmount:        "0.00",
		CashbackAmount:   "0.00",
		TotalAmount:      amount,
		AuthorizedAmount: amount,
	}
	if original != nil {
		refundTx.OriginalTransaction = original.ID
		refundTx.CardAcquisition = original.CardAcquisition
		refundTx.CardType = original.CardType
		refundTx.MaskedPAN = original.MaskedPAN

		if (original.Status == StatusApproved || original.Status == StatusTipAdjusted) &&
			amount == original.AuthorizedOrTotal() {
			original.Status = StatusRefunded
			original.UpdatedAt = nowISO()
			s.stats.Refunded++
		}
	}
	s.addLocked(refundTx)
	s.persistLocked()
	out := refundTx.clone()
	s.mu.Unlock()

	s.emit(events.TypeTransactionAdded, map[string]interface{}{
		"tranNo": out.TranNo,
		"type":   string(out.Type),
		"status": string(out.Status),
		"total":  out.TotalAmount,
	})
	return out, nil
}

// TipAdjust sets a new tip on the target sale, recomputes its total,
// flips it to TIP_ADJUSTED, and records a zero-total TipAdjust journal
// row referencing it.
func (s *Store) TipAdjust(identifier, tipAmount string) (*Transaction, *CmdError) {
	s.mu.Lock()

	target := s.findLocked(identifier)
	if target == nil {
		s.mu.Unlock()
		return nil, &CmdError{"REF001", "ORIGINAL TRANSACTION NOT FOUND"}
	}
	if target.Status != StatusApproved && target.Status != StatusTipAdjusted {
		s.mu.Unlock()
		return nil, &CmdError{"TIP001", "TRANSACTION CANNOT BE TIP ADJUSTED"}
	}
	tip, err := decimal.NewFromString(tipAmount)
	if err != nil || tip.IsNegative() {
		s.mu.Unlock()
		return nil, &CmdError{"AMT001", "INVALID TIP AMOUNT"}
	}

	target.TipAmount = tip.StringFixed(2)
	target.TotalAmount = sumAmounts(target.BaseAmount, target.TipAmount, target.TaxAmount, target.CashbackAmount)
	target.AuthorizedAmount = target.TotalAmount
	target.Status = StatusTipAdjusted
	target.UpdatedAt = nowISO()

	ids := s.newIdsLocked()
	journal := &Transaction{
		TranNo:              ids.TranNo,
		ReferenceNumber:     ids.ReferenceNumber,
		ResponseID:          ids.ResponseID,
		ApprovalCode:        ids.ApprovalCode,
		Type:                TypeTipAdjust,
		Status:              StatusApproved,
		BaseAmount:          "0.00",
		TipAmount:           target.TipAmount,
		TaxAmount:           "0.00",
		CashbackAmount:      "0.00",
		TotalAmount:         "0.00",
		AuthorizedAmount:    "0.00",
		CardAcquisition:     target.CardAcquisition,
		CardType:            target.CardType,
		MaskedPAN:           target.MaskedPAN,
		OriginalTransaction: target.ID,
	}
	s.addLocked(journal)
	s.persistLocked()
	out := target.clone()
	s.mu.Unlock()

	s.emit(events.TypeStatusChanged, map[string]interface{}{
		"tranNo": out.TranNo,
		"to":     string(StatusTipAdjusted),
		"tip":    out.TipAmount,
	})
	return out, nil
}

// Reset clears all state and opens a fresh batch. Counters restart.
func (s *Store) Reset() {
	s.mu.Lock()
	s.transactions = nil
	s.batches = nil
	s.counters = Counters{NextTranNo: 1, NextBatchNo: 1, NextRefNo: refNoBase}
	s.nextResponseID = 100000
	s.stats = newStatistics()
	s.current = s.openBatchLocked()
	s.persistLocked()
	s.mu.Unlock()

	s.emit(events.TypeStoreReset, nil)
}

// Snapshot returns a deep copy of the full state for the admin surface.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CurrentBatch returns a copy of the open batch.
func (s *Store) CurrentBatch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *s.current
	b.Transactions = append([]string{}, s.current.Transactions...)
	return b
}

// Transactions returns copies of every transaction, insertion-ordered.
func (s *Store) Transactions() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t.clone())
	}
	return out
}

// OpenBatchTransactions returns copies of the open batch's transactions.
func (s *Store) OpenBatchTransactions() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	inBatch := make(map[string]bool, len(s.current.Transactions))
	for _, id := range s.current.Transactions {
		inBatch[id] = true
	}
	out := make([]*Transaction, 0)
	for _, t := range s.transactions {
		if inBatch[t.ID] {
			out = append(out, t.clone())
		}
	}
	return out
}

// Stats returns a copy of the statistics block.
func (s *Store) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.stats.clone()
}

// snapshotLocked deep-copies persisted state for the flush writer.
func (s *Store) snapshotLocked() *State {
	state := &State{
		Counters:   s.counters,
		Statistics: s.stats.clone(),
	}
	state.Transactions = make([]*Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		state.Transactions = append(state.Transactions, t.clone())
	}
	state.Batches = make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		cb := *b
		cb.Transactions = append([]string{}, b.Transactions...)
		state.Batches = append(state.Batches, &cb)
	}
	if s.current != nil {
		cb := *s.current
		cb.Transactions = append([]string{}, s.current.Transactions...)
		state.CurrentBatch = &cb
	}
	return state
}

func (st *Statistics) clone() *Statistics {
	c := *st
	c.ByType = make(map[string]int, len(st.ByType))
	for k, v := range st.ByType {
		c.ByType[k] = v
	}
	c.Daily = make(map[string]*DayStats, len(st.Daily))
	for k, v := range st.Daily {
		dv := *v
		c.Daily[k] = &dv
	}
	return &c
}

// persistLocked enqueues a snapshot for the flush writer. Called with
// the lock held on every mutation; the file write itself happens on the
// writer goroutine.
func (s *Store) persistLocked() {
	if s.writer == nil {
		return
	}
	s.writer.enqueue(s.snapshotLocked())
}

func (s *Store) emit(eventType string, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Emit(eventType, "emulator", data)
	}
}

// addAmount returns a+b as a fixed two-digit decimal string.
func addAmount(a, b string) string {
	da, errA := decimal.NewFromString(a)
	if errA != nil {
		da = decimal.Zero
	}
	db, errB := decimal.NewFromString(b)
	if errB != nil {
		db = decimal.Zero
	}
	return da.Add(db).StringFixed(2)
}

func sumAmounts(amounts ...string) string {
	total := decimal.Zero
	for _, a := range amounts {
		if a == "" {
			continue
		}
		if d, err := decimal.NewFromString(a); err == nil {
			total = total.Add(d)
		}
	}
	return total.StringFixed(2)
}
