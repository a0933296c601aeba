// Package journal persists settlement intents in a WAL. An intent is written
// before the settlement rail is invoked and marked done or failed afterwards,
// so a crash between the two leaves a durable pending record to reconcile
// against the rail, and a compensated payment whose transfer was actually
// broadcast keeps its rail reference for audit.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	intentKeyPrefix = "settlement_intent_"

	IntentStatusPending = "pending"
	IntentStatusDone    = "done"
	IntentStatusFailed  = "failed"

	segmentLimit = 1000
	maxSegments  = 100
)

// Intent is one settlement attempt for a payment transaction.
type Intent struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ToAddress     string          `json:"to_address"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	// Reference is the rail transaction identifier. It is kept even on
	// failed intents when the transfer was broadcast before the failure.
	Reference string    `json:"reference,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// SettlementJournal is a WAL-backed journal of settlement intents.
type SettlementJournal struct {
	mu      sync.Mutex
	wal     *gowal.Wal
	intents []*Intent
	index   map[string]*Intent
}

// New opens (or creates) the journal in dir and replays existing intents.
func New(dir string) (*SettlementJournal, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "intent_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init settlement journal WAL")
	}

	j := &SettlementJournal{
		wal:   wal,
		index: make(map[string]*Intent),
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			continue
		}
		j.upsert(&intent)
	}

	return j, nil
}

// Prepare records a pending intent before the settlement call.
func (j *SettlementJournal) Prepare(transactionID uuid.UUID, toAddress string, amount decimal.Decimal) (*Intent, error) {
	intent := &Intent{
		ID:            uuid.New().String(),
		TransactionID: transactionID.String(),
		ToAddress:     toAddress,
		Amount:        amount,
		Status:        IntentStatusPending,
		Time:          time.Now().UTC(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(intent); err != nil {
		return nil, err
	}
	j.upsert(intent)
	return intent, nil
}

// MarkDone records a successful settlement with its rail reference.
func (j *SettlementJournal) MarkDone(intent *Intent, reference string) error {
	if intent == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	intent.Status = IntentStatusDone
	intent.Reference = reference
	intent.Error = ""
	return j.persist(intent)
}

// MarkFailed records a failed settlement. A non-empty reference means the
// transfer was broadcast before failing (for example a confirmation timeout)
// and must be reconciled against the rail by an operator.
func (j *SettlementJournal) MarkFailed(intent *Intent, reference string, cause error) error {
	if intent == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	intent.Status = IntentStatusFailed
	intent.Reference = reference
	if cause != nil {
		intent.Error = cause.Error()
	}
	return j.persist(intent)
}

// Intents returns a copy of all replayed and recorded intents.
func (j *SettlementJournal) Intents() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Intent, 0, len(j.intents))
	for _, intent := range j.intents {
		out = append(out, *intent)
	}
	return out
}

// Pending returns intents that never reached a terminal status, i.e. the
// process died between submitting a transfer and recording its outcome.
func (j *SettlementJournal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Intent
	for _, intent := range j.intents {
		if intent.Status == IntentStatusPending {
			out = append(out, *intent)
		}
	}
	return out
}

// Close closes the underlying WAL.
func (j *SettlementJournal) Close() error {
	return j.wal.Close()
}

func (j *SettlementJournal) upsert(intent *Intent) {
	if existing, ok := j.index[intent.ID]; ok {
		*existing = *intent
		return
	}
	j.intents = append(j.intents, intent)
	j.index[intent.ID] = intent
}

func (j *SettlementJournal) persist(intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal settlement intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	return j.wal.Write(j.wal.CurrentIndex()+1, key, data)
}
