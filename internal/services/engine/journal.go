package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"dcabot/internal/domain"
)

const (
	intentKeyPrefix     = "order_intent_"
	intentStatusPending = "pending"
	intentStatusDone    = "done"
	intentStatusFailed  = "failed"

	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

// orderIntent records that the engine is about to place an order on the
// exchange. An intent stays pending until both the exchange call and the
// store write succeeded, so a crash between the two is detectable at startup.
type orderIntent struct {
	ID      string           `json:"id"`
	OrderID string           `json:"order_id"`
	TradeID string           `json:"trade_id,omitempty"`
	Pair    string           `json:"pair"`
	Kind    domain.OrderKind `json:"kind"`
	Price   decimal.Decimal  `json:"price"`
	Size    decimal.Decimal  `json:"size"`
	Status  string           `json:"status"`
	Time    time.Time        `json:"time"`
	Error   string           `json:"error,omitempty"`
}

type intentJournal struct {
	wal     *gowal.Wal
	intents []*orderIntent
	index   map[string]*orderIntent
}

func newIntentJournal(dir string) (*intentJournal, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open intent WAL")
	}

	journal := &intentJournal{
		wal:   wal,
		index: make(map[string]*orderIntent),
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent orderIntent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			// skip unreadable records, later writes supersede them
			continue
		}
		if existing, ok := journal.index[intent.ID]; ok {
			*existing = intent
			continue
		}
		record := intent
		journal.intents = append(journal.intents, &record)
		journal.index[record.ID] = &record
	}

	return journal, nil
}

// Prepare persists a pending intent for the given order before the exchange
// call is made.
func (j *intentJournal) Prepare(order *domain.Order, pair domain.Pair) (*orderIntent, error) {
	intent := &orderIntent{
		ID:      uuid.New().String(),
		OrderID: order.ID,
		TradeID: order.TradeID,
		Pair:    pair.String(),
		Kind:    order.Kind,
		Price:   order.TargetPrice,
		Size:    order.Size,
		Status:  intentStatusPending,
		Time:    time.Now().UTC(),
	}

	if err := j.persist(intent); err != nil {
		return nil, err
	}

	j.intents = append(j.intents, intent)
	j.index[intent.ID] = intent
	return intent, nil
}

func (j *intentJournal) MarkDone(intent *orderIntent) error {
	if intent == nil {
		return nil
	}
	intent.Status = intentStatusDone
	intent.Error = ""
	return j.persist(intent)
}

func (j *intentJournal) MarkFailed(intent *orderIntent, cause error) error {
	if intent == nil {
		return nil
	}
	intent.Status = intentStatusFailed
	if cause != nil {
		intent.Error = cause.Error()
	} else {
		intent.Error = ""
	}
	return j.persist(intent)
}

// Pending returns intents that were prepared but never marked done or failed.
func (j *intentJournal) Pending() []*orderIntent {
	pending := make([]*orderIntent, 0)
	for _, intent := range j.intents {
		if intent.Status == intentStatusPending {
			pending = append(pending, intent)
		}
	}
	return pending
}

func (j *intentJournal) Close() error {
	return j.wal.Close()
}

func (j *intentJournal) persist(intent *orderIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal order intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	return j.wal.Write(j.wal.CurrentIndex()+1, key, data)
}
