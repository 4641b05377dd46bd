package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"triaged/internal/eventbus"
	rtsup "triaged/internal/runtime/supervisor"
	"triaged/internal/storage"
	logx "triaged/pkg/logx"
)

// AuditStore is the subset of storage.Store the recorder needs.
type AuditStore interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

const (
	recorderBuffer = 512
	appendTimeout  = 500 * time.Millisecond
)

// Recorder subscribes to notification:* events and appends them to the
// audit store. Writes are best-effort.
type Recorder struct {
	bus   eventbus.Bus
	store AuditStore
	log   logx.Logger

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	unsub  func()
	writes uint64
	fails  uint64
}

func NewRecorder(bus eventbus.Bus, store AuditStore, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{bus: bus, store: store, log: log.With(logx.String("comp", "tracker"))}
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil || r.bus == nil {
		return
	}
	ch, unsub := r.bus.Subscribe(recorderBuffer)
	r.unsub = unsub
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup.Go0("tracker.recorder", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.handle(c, ev)
			}
		}
	})
}

func (r *Recorder) Stop(ctx context.Context) {
	r.mu.Lock()
	sup, unsub := r.sup, r.unsub
	r.sup, r.unsub = nil, nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Debug("recorder stop", logx.Err(err))
		}
	}
}

// Counts returns successful and failed appends so far.
func (r *Recorder) Counts() (writes, fails uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes, r.fails
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	if !ev.IsNotification() {
		return
	}
	rec, ok := ev.Data.(Record)
	if !ok {
		return
	}
	if r.store == nil {
		r.log.Debug("audit (no store)", logx.String("action", rec.Action), logx.String("id", rec.String(KeyID)))
		return
	}
	entry := ToAuditEntry(rec)
	cctx, cancel := context.WithTimeout(ctx, appendTimeout)
	err := r.store.AppendAudit(cctx, entry)
	cancel()

	r.mu.Lock()
	if err != nil {
		r.fails++
	} else {
		r.writes++
	}
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("audit append failed", logx.String("action", rec.Action), logx.Err(err))
	}
}

var knownKeys = map[string]bool{
	KeyID: true, KeySource: true, KeyCategory: true, KeyLevel: true, KeyScore: true,
	KeyDelivered: true, KeyChannel: true, KeyReason: true,
}

// ToAuditEntry flattens the well-known details into columns; everything else
// lands in MetaJSON.
func ToAuditEntry(rec Record) storage.AuditEntry {
	e := storage.AuditEntry{
		At:             rec.Time,
		Action:         rec.Action,
		NotificationID: rec.String(KeyID),
		Source:         rec.String(KeySource),
		Category:       rec.String(KeyCategory),
		Level:          levelString(rec.Details[KeyLevel]),
		Score:          rec.Float(KeyScore),
		Delivered:      rec.Bool(KeyDelivered),
		Channel:        rec.String(KeyChannel),
		Reason:         rec.String(KeyReason),
	}
	meta := map[string]any{}
	for k, v := range rec.Details {
		if !knownKeys[k] {
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	return e
}

func levelString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
