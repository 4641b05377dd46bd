package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "triaged/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v, want nil/nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "triaged.db")
			ctx := context.Background()
			now := time.Now()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "notification:processed", NotificationID: "x", Delivered: true}); err != nil {
				t.Fatalf("audit: %v", err)
			}
			if err := st.PutDedup(ctx, "live", now.Add(10*time.Minute)); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			if err := st.PutDedup(ctx, "gone", now.Add(-time.Minute)); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			recs := []EngagementRecord{
				{Category: "market", Score: 0.8, Positive: 3, UpdatedAt: now},
				{Category: "error", Score: 0.2, Negative: 4, UpdatedAt: now},
			}
			if err := st.SaveEngagement(ctx, recs); err != nil {
				t.Fatalf("save engagement: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()

			m, err := st.LoadDedup(ctx, now)
			if err != nil {
				t.Fatalf("load dedup: %v", err)
			}
			if _, ok := m["live"]; !ok || len(m) != 1 {
				t.Fatalf("dedup = %v, want only the live key", m)
			}

			got, err := st.LoadEngagement(ctx)
			if err != nil {
				t.Fatalf("load engagement: %v", err)
			}
			if len(got) != 2 || got[0].Category != "error" || got[1].Positive != 3 {
				t.Fatalf("engagement = %+v", got)
			}
		})
	}
}
