package recon_test

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"reelchain/ledger"
	"reelchain/models"
	"reelchain/recon"
	"reelchain/registry"
)

type stubLedger struct {
	status    ledger.Status
	statusErr error
}

func (s *stubLedger) Submit(ctx context.Context, to common.Address, amount *big.Int, idempotencyKey string) (string, error) {
	return "", fmt.Errorf("recon never submits")
}

func (s *stubLedger) Status(ctx context.Context, ref string) (ledger.Status, error) {
	return s.status, s.statusErr
}

func (s *stubLedger) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

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
	return db
}

func seedAttempt(t *testing.T, db *gorm.DB, videoID, status, txHash string, createdAt time.Time) {
	t.Helper()
	err := db.Create(&models.SettlementAttempt{
		ID:             uuid.New(),
		VideoID:        videoID,
		Recipient:      "0x00000000000000000000000000000000000000aa",
		Amount:         "4100000000000000000",
		IdempotencyKey: "claim:" + videoID,
		Status:         status,
		TxHash:         txHash,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}).Error
	if err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
}

func newReconciler(t *testing.T, db *gorm.DB, lg ledger.Ledger, reg *registry.Registry, dryRun bool) *recon.Reconciler {
	t.Helper()
	rec, err := recon.NewReconciler(recon.Config{
		DB:           db,
		Ledger:       lg,
		Registry:     reg,
		OutputDir:    t.TempDir(),
		DryRun:       dryRun,
		StalledAfter: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return rec
}

func window(now time.Time) recon.RunOptions {
	return recon.RunOptions{Start: now.Add(-2 * time.Hour), End: now.Add(time.Hour)}
}

func TestRepairsUnrecordedSettlement(t *testing.T) {
	db := setupTestDB(t)
	reg := registry.New(db)
	now := time.Now()
	seedAttempt(t, db, "vid-1", models.AttemptSubmitted, "0xabc", now.Add(-time.Hour))

	rec := newReconciler(t, db, &stubLedger{status: ledger.StatusConfirmed}, reg, false)
	result, err := rec.Run(context.Background(), window(now))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Repaired != 1 {
		t.Fatalf("expected one repair, got %d", result.Repaired)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != recon.AnomalyUnrecordedSettlement {
		t.Fatalf("unexpected anomalies: %+v", result.Anomalies)
	}

	settled, err := reg.IsSettled(context.Background(), "vid-1")
	if err != nil || !settled {
		t.Fatalf("claim record not repaired: settled=%v err=%v", settled, err)
	}
	record, err := reg.Get(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.SettlementRef == nil || *record.SettlementRef != "0xabc" {
		t.Fatal("repair must reuse the existing settlement ref")
	}

	var attempt models.SettlementAttempt
	if err := db.First(&attempt, "video_id = ?", "vid-1").Error; err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if attempt.Status != models.AttemptConfirmed {
		t.Fatalf("attempt status: %s", attempt.Status)
	}
}

func TestDryRunDetectsWithoutRepairing(t *testing.T) {
	db := setupTestDB(t)
	reg := registry.New(db)
	now := time.Now()
	seedAttempt(t, db, "vid-1", models.AttemptReconRequired, "0xabc", now.Add(-time.Hour))

	rec := newReconciler(t, db, &stubLedger{status: ledger.StatusConfirmed}, reg, true)
	result, err := rec.Run(context.Background(), window(now))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(result.Anomalies))
	}
	if result.Repaired != 0 {
		t.Fatal("dry run must not repair")
	}
	if settled, _ := reg.IsSettled(context.Background(), "vid-1"); settled {
		t.Fatal("dry run must not write the claim record")
	}
	if result.CSVPath != "" || result.ParquetPath != "" {
		t.Fatal("dry run must not write reports")
	}
}

func TestMarksFailedSettlements(t *testing.T) {
	db := setupTestDB(t)
	reg := registry.New(db)
	now := time.Now()
	seedAttempt(t, db, "vid-1", models.AttemptSubmitted, "0xabc", now.Add(-time.Hour))

	rec := newReconciler(t, db, &stubLedger{status: ledger.StatusFailed}, reg, false)
	result, err := rec.Run(context.Background(), window(now))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("failed settlement is not anomalous: %+v", result.Anomalies)
	}

	var attempt models.SettlementAttempt
	if err := db.First(&attempt, "video_id = ?", "vid-1").Error; err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if attempt.Status != models.AttemptFailed {
		t.Fatalf("attempt status: %s", attempt.Status)
	}
}

func TestFlagsStalledAttempts(t *testing.T) {
	db := setupTestDB(t)
	reg := registry.New(db)
	now := time.Now()
	seedAttempt(t, db, "vid-1", models.AttemptSubmitted, "0xabc", now.Add(-time.Hour))
	seedAttempt(t, db, "vid-2", models.AttemptSubmitted, "", now.Add(-time.Hour))

	alerts := 0
	rec, err := recon.NewReconciler(recon.Config{
		DB:           db,
		Ledger:       &stubLedger{status: ledger.StatusPending},
		Registry:     reg,
		OutputDir:    t.TempDir(),
		StalledAfter: 30 * time.Minute,
		Alert: func(ctx context.Context, anomaly recon.Anomaly) error {
			alerts++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	result, err := rec.Run(context.Background(), window(now))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Anomalies) != 2 {
		t.Fatalf("expected two stalled anomalies, got %+v", result.Anomalies)
	}
	for _, anomaly := range result.Anomalies {
		if anomaly.Type != recon.AnomalyStalledAttempt {
			t.Fatalf("unexpected anomaly type %s", anomaly.Type)
		}
	}
	if alerts != 2 {
		t.Fatalf("expected two alerts, got %d", alerts)
	}
}

func TestWritesReports(t *testing.T) {
	db := setupTestDB(t)
	reg := registry.New(db)
	now := time.Now()
	seedAttempt(t, db, "vid-1", models.AttemptSubmitted, "0xabc", now.Add(-time.Hour))

	rec := newReconciler(t, db, &stubLedger{status: ledger.StatusConfirmed}, reg, false)
	result, err := rec.Run(context.Background(), window(now))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	file, err := os.Open(result.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d records", len(records))
	}
	if records[1][0] != "vid-1" {
		t.Fatalf("unexpected csv row: %v", records[1])
	}

	info, err := os.Stat(result.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("parquet report is empty")
	}
}
