package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "triaged/pkg/logx"
)

// Store is the persistence API used by the tracker, dedup window and pipeline.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	// LoadDedup returns every key whose suppress-until deadline is after now.
	LoadDedup(ctx context.Context, now time.Time) (map[string]time.Time, error)

	SaveEngagement(ctx context.Context, recs []EngagementRecord) error
	LoadEngagement(ctx context.Context) ([]EngagementRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
