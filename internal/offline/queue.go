// Package offline is the device side of reconciliation: a durable FIFO of
// pending earn/spend intents and the drain loop that sends them to the
// server one at a time.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

const (
	queueFileName = "queue.json"
	lockFileName  = "queue.lock"
	queueVersion  = 1
)

// ErrQueueLocked is returned when another process holds the queue too long.
var ErrQueueLocked = errors.New("offline queue is locked by another process")

// Config configures a device queue.
type Config struct {
	Dir         string
	DeviceID    string
	LockTimeout time.Duration
	LockRetry   time.Duration
}

// DefaultConfig returns defaults for a queue stored in dir.
func DefaultConfig(dir string) Config {
	host, _ := os.Hostname()
	return Config{
		Dir:         dir,
		DeviceID:    host,
		LockTimeout: 5 * time.Second,
		LockRetry:   50 * time.Millisecond,
	}
}

// Rejection is a transaction the server refused. It stays visible until the
// user acknowledges it.
type Rejection struct {
	Transaction domain.PendingTransaction `json:"transaction"`
	Outcome     domain.Outcome            `json:"outcome"`
	Reason      string                    `json:"reason,omitempty"`
	RejectedAt  time.Time                 `json:"rejected_at"`
}

type queueFile struct {
	Version  int                         `json:"version"`
	DeviceID string                      `json:"device_id"`
	Pending  []domain.PendingTransaction `json:"pending"`
	Rejected []Rejection                 `json:"rejected"`
}

// Queue is a file-backed FIFO shared safely between processes on a device.
type Queue struct {
	cfg  Config
	path string
	lock *flock.Flock
	mu   sync.Mutex
	now  func() time.Time
}

// Open prepares the queue directory. The queue file is created on first write.
func Open(cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("offline queue dir is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 50 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{
		cfg:  cfg,
		path: filepath.Join(cfg.Dir, queueFileName),
		lock: flock.New(filepath.Join(cfg.Dir, lockFileName)),
		now:  time.Now,
	}, nil
}

// DeviceID returns the id stamped on enqueued transactions.
func (q *Queue) DeviceID() string { return q.cfg.DeviceID }

// EnqueueRequest is an earn or spend intent captured on the device.
type EnqueueRequest struct {
	UserID       string
	Type         domain.EntryType
	DeltaSeconds int64
	Description  string
	Source       domain.Source
	// ClientID is the idempotency key; a fresh ULID is used when empty.
	ClientID string
	Metadata domain.Metadata
}

// Enqueue durably records an intent. Enqueuing the same ClientID twice
// returns the first transaction.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (domain.PendingTransaction, error) {
	if err := req.validate(); err != nil {
		return domain.PendingTransaction{}, err
	}
	id := req.ClientID
	if id == "" {
		id = ulid.Make().String()
	}
	p := domain.PendingTransaction{
		ID:              id,
		UserID:          req.UserID,
		Type:            req.Type,
		DeltaSeconds:    req.DeltaSeconds,
		Description:     req.Description,
		Source:          req.Source,
		ClientTimestamp: q.now().UTC(),
		DeviceID:        q.cfg.DeviceID,
	}
	if len(req.Metadata) > 0 {
		p.Metadata = req.Metadata.Clone()
	}

	err := q.update(ctx, func(f *queueFile) (bool, error) {
		for _, existing := range f.Pending {
			if existing.ID == p.ID {
				p = existing
				return false, nil
			}
		}
		f.Pending = append(f.Pending, p)
		return true, nil
	})
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	slog.Debug("Queued offline transaction", "component", "offline", "id", p.ID, "type", p.Type, "delta", p.DeltaSeconds)
	return p, nil
}

// Pending returns the queued transactions in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]domain.PendingTransaction, error) {
	var out []domain.PendingTransaction
	err := q.update(ctx, func(f *queueFile) (bool, error) {
		out = append(out, f.Pending...)
		return false, nil
	})
	return out, err
}

// Peek returns the oldest queued transaction, or nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context) (*domain.PendingTransaction, error) {
	var head *domain.PendingTransaction
	err := q.update(ctx, func(f *queueFile) (bool, error) {
		if len(f.Pending) > 0 {
			p := f.Pending[0]
			head = &p
		}
		return false, nil
	})
	return head, err
}

// Len returns the number of queued transactions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.update(ctx, func(f *queueFile) (bool, error) {
		n = len(f.Pending)
		return false, nil
	})
	return n, err
}

// Complete removes a transaction after a terminal server response.
// Rejected transactions are kept in the rejection list.
func (q *Queue) Complete(ctx context.Context, res domain.ReconcileResult) error {
	if !res.Outcome.Terminal() {
		return fmt.Errorf("outcome %q is not terminal", res.Outcome)
	}
	return q.update(ctx, func(f *queueFile) (bool, error) {
		for i, p := range f.Pending {
			if p.ID != res.ID {
				continue
			}
			now := q.now().UTC()
			p.ProcessedAt = &now
			f.Pending = append(f.Pending[:i], f.Pending[i+1:]...)
			if res.Outcome.Rejected() {
				f.Rejected = append(f.Rejected, Rejection{
					Transaction: p,
					Outcome:     res.Outcome,
					Reason:      res.Error,
					RejectedAt:  now,
				})
			}
			return true, nil
		}
		return false, nil
	})
}

// Rejections returns permanently refused transactions not yet acknowledged.
func (q *Queue) Rejections(ctx context.Context) ([]Rejection, error) {
	var out []Rejection
	err := q.update(ctx, func(f *queueFile) (bool, error) {
		out = append(out, f.Rejected...)
		return false, nil
	})
	return out, err
}

// AckRejection clears a rejection once the user has seen it.
func (q *Queue) AckRejection(ctx context.Context, id string) error {
	found := false
	err := q.update(ctx, func(f *queueFile) (bool, error) {
		for i, r := range f.Rejected {
			if r.Transaction.ID == id {
				f.Rejected = append(f.Rejected[:i], f.Rejected[i+1:]...)
				found = true
				return true, nil
			}
		}
		return false, nil
	})
	if err == nil && !found {
		return fmt.Errorf("no rejection with id %q", id)
	}
	return err
}

// update runs fn with the queue file loaded under both the in-process mutex
// and the inter-process file lock, and rewrites the file when fn reports a
// change.
func (q *Queue) update(ctx context.Context, fn func(f *queueFile) (bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, q.cfg.LockTimeout)
	defer cancel()
	locked, err := q.lock.TryLockContext(lockCtx, q.cfg.LockRetry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrQueueLocked
		}
		return fmt.Errorf("lock queue: %w", err)
	}
	if !locked {
		return ErrQueueLocked
	}
	defer q.lock.Unlock()

	f, err := q.read()
	if err != nil {
		return err
	}
	dirty, err := fn(f)
	if err != nil || !dirty {
		return err
	}
	if err := q.write(f); err != nil {
		return err
	}
	observability.QueueDepth.Set(float64(len(f.Pending)))
	return nil
}

func (q *Queue) read() (*queueFile, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return &queueFile{Version: queueVersion, DeviceID: q.cfg.DeviceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var f queueFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", q.path, err)
	}
	if f.Version > queueVersion {
		return nil, fmt.Errorf("queue file version %d is newer than supported %d", f.Version, queueVersion)
	}
	return &f, nil
}

func (q *Queue) write(f *queueFile) error {
	f.Version = queueVersion
	if f.DeviceID == "" {
		f.DeviceID = q.cfg.DeviceID
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return atomic.WriteFile(q.path, bytes.NewReader(data))
}

func (r EnqueueRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return domain.Invalid("user id is required")
	}
	switch r.Type {
	case domain.EntryEarn:
		if r.DeltaSeconds <= 0 {
			return domain.Invalid("earn delta must be positive")
		}
	case domain.EntrySpend:
		if r.DeltaSeconds >= 0 {
			return domain.Invalid("spend delta must be negative")
		}
	default:
		return domain.Invalid("only earn and spend can be queued, got %q", r.Type)
	}
	if !r.Source.Valid() || r.Source == domain.SourceAdminAdjustment {
		return domain.Invalid("source %q cannot be queued", r.Source)
	}
	if r.Type == domain.EntrySpend && r.Source == domain.SourceUnlockedSession {
		d, err := strconv.ParseInt(r.Metadata[domain.MetaDurationSeconds], 10, 64)
		if err != nil || d <= 0 {
			return domain.Invalid("unlock spends need a positive %s", domain.MetaDurationSeconds)
		}
	}
	return nil
}
