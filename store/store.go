// Package store implements the per-connector durable transaction ring of
// spec §4.2: up to MaxTransactions records per connector, allocated with
// monotonically increasing tx_nr, evicted only once settled, and
// reconstructed at startup in strictly increasing tx_nr order.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
	"github.com/kochedykov/MicroOcpp/internal/storage"
	"github.com/kochedykov/MicroOcpp/transaction"
)

// DefaultMaxTransactions is the ring size per connector (spec §4.2).
const DefaultMaxTransactions = 8

// terminalMarker is appended after the JSON document on every commit, and
// checked for on load. Its absence means the write was interrupted before
// completion (or, in this Go port, a foreign/corrupt file) and the
// record is discarded rather than trusted.
const terminalMarker = "\n#END#"

func pathFor(connectorID int, slot int) string {
	return fmt.Sprintf("ocpp/tx/%d-%d.jsn", connectorID, slot)
}

type ring struct {
	records  []*transaction.Record // oldest first
	nextTxNr uint64
}

// Store is the engine's single Transaction Store, one ring per connector.
type Store struct {
	mu        sync.Mutex
	adapter   storage.Adapter
	maxTx     int
	bootEpoch string
	rings     map[int]*ring
	log       *log.Entry
}

// New returns a Store backed by adapter. bootEpoch must be the same
// identity used by the engine's clock.Clock, so LoadAll can recognize
// anchors captured in a prior process lifetime as unrecoverable.
func New(adapter storage.Adapter, bootEpoch string, maxTx int) *Store {
	if maxTx <= 0 {
		maxTx = DefaultMaxTransactions
	}
	return &Store{
		adapter:   adapter,
		maxTx:     maxTx,
		bootEpoch: bootEpoch,
		rings:     make(map[int]*ring),
		log:       obslog.New("store"),
	}
}

func (s *Store) ringFor(connectorID int) *ring {
	r, ok := s.rings[connectorID]
	if !ok {
		r = &ring{nextTxNr: 1}
		s.rings[connectorID] = r
	}
	return r
}

// Allocate assigns a fresh, uncommitted Record to connectorID. It fails
// with ocpperr.ErrStoreFull if the ring is full and its oldest record is
// not yet settled.
func (s *Store) Allocate(connectorID int) (*transaction.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.ringFor(connectorID)
	if len(r.records) >= s.maxTx {
		oldest := r.records[0]
		if !oldest.Settled() {
			return nil, ocpperr.ErrStoreFull
		}
		r.records = r.records[1:]
	}

	rec := transaction.New(connectorID, r.nextTxNr, false)
	r.nextTxNr++
	r.records = append(r.records, rec)
	return rec, nil
}

// Head returns the oldest not-yet-settled transaction on connectorID, or
// nil if none exists.
func (s *Store) Head(connectorID int) *transaction.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[connectorID]
	if !ok {
		return nil
	}
	for _, rec := range r.records {
		if !rec.Settled() {
			return rec
		}
	}
	return nil
}

// Tail returns the most recently allocated transaction on connectorID, or
// nil if none exists.
func (s *Store) Tail(connectorID int) *transaction.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[connectorID]
	if !ok || len(r.records) == 0 {
		return nil
	}
	return r.records[len(r.records)-1]
}

// slot returns the ring-buffer index a given tx_nr maps to.
func (s *Store) slot(txNr uint64) int {
	return int(txNr % uint64(s.maxTx))
}

// Commit atomically persists rec through the underlying storage.Adapter.
func (s *Store) Commit(rec *transaction.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return ocpperr.Classed(ocpperr.ClassStorage, ocpperr.CodeInternalError, fmt.Sprintf("marshal transaction: %v", err))
	}
	data := append(body, []byte(terminalMarker)...)
	path := pathFor(rec.ConnectorID, s.slot(rec.TxNr))
	if err := s.adapter.WriteFile(path, data); err != nil {
		return ocpperr.Classed(ocpperr.ClassStorage, ocpperr.CodeInternalError, fmt.Sprintf("commit transaction: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ringFor(rec.ConnectorID)
	for i, existing := range r.records {
		if existing.TxNr == rec.TxNr {
			r.records[i] = rec
			return nil
		}
	}
	r.records = append(r.records, rec)
	return nil
}

// Lookup finds a transaction by connector and local tx_nr.
func (s *Store) Lookup(connectorID int, txNr uint64) (*transaction.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[connectorID]
	if !ok {
		return nil, false
	}
	for _, rec := range r.records {
		if rec.TxNr == txNr {
			return rec, true
		}
	}
	return nil, false
}

// FindByServerTransactionID scans every connector for a Running
// transaction carrying the given server-assigned id, as used by
// RemoteStopTransaction (spec §4.7).
func (s *Store) FindByServerTransactionID(id int) (*transaction.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rings {
		for _, rec := range r.records {
			if rec.Start.Server.TransactionID == id && rec.Running() {
				return rec, true
			}
		}
	}
	return nil, false
}

// PendingBoundaries returns every non-settled transaction across every
// connector whose StartTransaction or StopTransaction has been requested
// but not yet confirmed, in strictly increasing tx_nr order per
// connector, for re-enqueueing into the RPC Engine's outbox at startup.
func (s *Store) PendingBoundaries() []*transaction.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*transaction.Record
	for _, r := range s.rings {
		for _, rec := range r.records {
			if rec.Silent || rec.Settled() {
				continue
			}
			awaitingStart := rec.Start.RPC.Requested && !rec.Start.RPC.Confirmed
			awaitingStop := rec.Stop.RPC.Requested && !rec.Stop.RPC.Confirmed
			if awaitingStart || awaitingStop {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectorID != out[j].ConnectorID {
			return out[i].ConnectorID < out[j].ConnectorID
		}
		return out[i].TxNr < out[j].TxNr
	})
	return out
}

// LoadAll reads every persisted slot across every connector, discards
// partially-written records (missing terminal marker) and records whose
// start anchor is an unrecoverable pending tick from a prior boot epoch
// (spec §4.6 "Lost timestamps"), and reconstructs each connector's ring
// in tx_nr order along with its next-allocation counter.
func (s *Store) LoadAll() error {
	paths, err := s.adapter.List("ocpp/tx/")
	if err != nil {
		return ocpperr.Classed(ocpperr.ClassStorage, ocpperr.CodeInternalError, fmt.Sprintf("list transactions: %v", err))
	}

	byConnector := make(map[int][]*transaction.Record)

	for _, path := range paths {
		rec, ok, err := s.loadOne(path)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("discarding unreadable transaction record")
			continue
		}
		if !ok {
			continue
		}
		byConnector[rec.ConnectorID] = append(byConnector[rec.ConnectorID], rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings = make(map[int]*ring)
	for connectorID, recs := range byConnector {
		sort.Slice(recs, func(i, j int) bool { return recs[i].TxNr < recs[j].TxNr })
		r := &ring{records: recs, nextTxNr: 1}
		if n := len(recs); n > 0 {
			r.nextTxNr = recs[n-1].TxNr + 1
		}
		s.rings[connectorID] = r
	}
	return nil
}

func (s *Store) loadOne(path string) (*transaction.Record, bool, error) {
	if !strings.HasSuffix(path, ".jsn") {
		return nil, false, nil
	}
	data, err := s.adapter.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	raw := string(data)
	if !strings.HasSuffix(raw, terminalMarker) {
		s.log.WithField("path", path).Warn("transaction record missing terminal marker, discarding")
		return nil, false, nil
	}
	body := strings.TrimSuffix(raw, terminalMarker)

	var rec transaction.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, false, err
	}

	if !rec.Settled() {
		anchor := rec.Session.SessionStartTS
		if rec.Start.RPC.Requested {
			anchor = rec.Start.Client.TS
		}
		if anchor.Lost(s.bootEpoch) {
			s.log.WithFields(log.Fields{
				"connectorId": rec.ConnectorID,
				"txNr":        rec.TxNr,
			}).Warn("dropping transaction with unrecoverable start timestamp after restart")
			return nil, false, nil
		}
	}

	return &rec, true, nil
}

// parseSlotFilename is exposed for diagnostics/tests wanting to confirm
// the §6 filesystem layout ("ocpp/tx/<connector>-<slot>.jsn").
func parseSlotFilename(path string) (connector, slot int, ok bool) {
	base := strings.TrimPrefix(path, "ocpp/tx/")
	base = strings.TrimSuffix(base, ".jsn")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(parts[0])
	sNr, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, sNr, true
}
