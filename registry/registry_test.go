package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"reelchain/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap db: %v", err)
	}
	// Single connection keeps concurrent writers from tripping SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestUnknownVideoReadsUnsettled(t *testing.T) {
	reg := New(setupTestDB(t))
	settled, err := reg.IsSettled(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("IsSettled: %v", err)
	}
	if settled {
		t.Fatal("unknown video should read as unsettled")
	}
}

func TestGetCreatesImplicitRecord(t *testing.T) {
	reg := New(setupTestDB(t))
	record, err := reg.Get(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Settled {
		t.Fatal("implicit record should be unsettled")
	}
	if record.VideoID != "vid-1" {
		t.Fatalf("unexpected video id %q", record.VideoID)
	}
}

func TestTryMarkSettledWinsOnce(t *testing.T) {
	reg := New(setupTestDB(t))
	ctx := context.Background()
	amount := big.NewInt(4_100_000)

	won, err := reg.TryMarkSettled(ctx, "vid-1", amount, "0xabc")
	if err != nil {
		t.Fatalf("first TryMarkSettled: %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	won, err = reg.TryMarkSettled(ctx, "vid-1", big.NewInt(999), "0xdef")
	if err != nil {
		t.Fatalf("second TryMarkSettled: %v", err)
	}
	if won {
		t.Fatal("second transition must lose")
	}

	record, err := reg.Get(ctx, "vid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !record.Settled {
		t.Fatal("record should be settled")
	}
	if record.Amount != amount.String() {
		t.Fatalf("amount overwritten: got %q want %q", record.Amount, amount.String())
	}
	if record.SettlementRef == nil || *record.SettlementRef != "0xabc" {
		t.Fatalf("settlement ref overwritten: got %v", record.SettlementRef)
	}
}

func TestTryMarkSettledRecordsTimestamp(t *testing.T) {
	reg := New(setupTestDB(t))
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	reg.SetNowFunc(func() time.Time { return fixed })

	if _, err := reg.TryMarkSettled(context.Background(), "vid-1", big.NewInt(1), "0xabc"); err != nil {
		t.Fatalf("TryMarkSettled: %v", err)
	}
	record, err := reg.Get(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.SettledAt == nil || !record.SettledAt.Equal(fixed) {
		t.Fatalf("settled_at not recorded: %v", record.SettledAt)
	}
}

func TestTryMarkSettledRejectsNilAmount(t *testing.T) {
	reg := New(setupTestDB(t))
	if _, err := reg.TryMarkSettled(context.Background(), "vid-1", nil, "0xabc"); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	reg := New(setupTestDB(t))
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := reg.TryMarkSettled(ctx, "vid-1", big.NewInt(int64(i+1)), fmt.Sprintf("0x%02d", i))
			if err != nil {
				t.Errorf("TryMarkSettled: %v", err)
				return
			}
			wins <- won
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
