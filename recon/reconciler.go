// Package recon resolves settlement attempts whose outcome the claim engine
// could not finalise: submissions still pending on the ledger and confirmed
// settlements that never made it into the claim registry. Repairs reuse the
// existing settlement reference; the reconciler never issues a new
// settlement.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"reelchain/claim"
	"reelchain/ledger"
	"reelchain/models"
	"reelchain/observability"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyUnrecordedSettlement = "unrecorded_settlement"
	AnomalyStalledAttempt       = "stalled_attempt"
	AnomalyAmountUnparseable    = "amount_unparseable"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a reconciliation finding requiring operator review.
type Anomaly struct {
	Type          string
	VideoID       string
	SettlementRef string
	Details       string
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Ledger    ledger.Ledger
	Registry  claim.Registry
	OutputDir string
	DryRun    bool
	// StalledAfter marks attempts pending longer than this as anomalous.
	StalledAfter time.Duration
	Now          func() time.Time
	Alert        AlertFunc
	Logger       *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// ReportRow summarises reconciliation status for a single settlement attempt.
type ReportRow struct {
	VideoID       string
	Recipient     string
	Amount        string
	AttemptStatus string
	LedgerStatus  string
	SettlementRef string
	Recorded      bool
	Unrecorded    bool
	Stalled       bool
	Repaired      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	Repaired    int
	CSVPath     string
	ParquetPath string
}

// Reconciler joins settlement attempts with ledger state and the claim
// registry, repairing unrecorded settlements and reporting anomalies.
type Reconciler struct {
	db           *gorm.DB
	ledger       ledger.Ledger
	registry     claim.Registry
	outputDir    string
	dryRun       bool
	stalledAfter time.Duration
	now          func() time.Time
	alert        AlertFunc
	log          *slog.Logger
	metrics      *observability.ClaimMetrics
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("recon: registry is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("reelchain-data", "recon")
	}
	stalledAfter := cfg.StalledAfter
	if stalledAfter <= 0 {
		stalledAfter = time.Hour
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:           cfg.DB,
		ledger:       cfg.Ledger,
		registry:     cfg.Registry,
		outputDir:    outputDir,
		dryRun:       cfg.DryRun,
		stalledAfter: stalledAfter,
		now:          nowFn,
		alert:        alert,
		log:          logger,
		metrics:      observability.Claims(),
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start
	end := opts.End
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now()

	var attempts []models.SettlementAttempt
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.AttemptSubmitted, models.AttemptReconRequired}).
		Where("(created_at BETWEEN ? AND ?) OR (updated_at BETWEEN ? AND ?)", start, end, start, end).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load attempts: %w", err)
	}

	result := &Result{Start: start, End: end}
	for i := range attempts {
		attempt := &attempts[i]
		row := &ReportRow{
			VideoID:       attempt.VideoID,
			Recipient:     attempt.Recipient,
			Amount:        attempt.Amount,
			AttemptStatus: attempt.Status,
			SettlementRef: attempt.TxHash,
			CreatedAt:     attempt.CreatedAt,
			UpdatedAt:     attempt.UpdatedAt,
		}
		result.Rows = append(result.Rows, row)

		if strings.TrimSpace(attempt.TxHash) == "" {
			if now.Sub(attempt.CreatedAt) > r.stalledAfter {
				row.Stalled = true
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyStalledAttempt,
					VideoID: attempt.VideoID,
					Details: fmt.Sprintf("attempt %s has no settlement ref since %s", attempt.ID, attempt.CreatedAt.Format(time.RFC3339)),
				}))
			}
			continue
		}

		status, statusErr := r.ledger.Status(ctx, attempt.TxHash)
		if statusErr != nil {
			r.log.Warn("recon: ledger status lookup failed",
				"video_id", attempt.VideoID, "settlement_ref", attempt.TxHash, "error", statusErr)
			continue
		}
		row.LedgerStatus = status.String()

		switch status {
		case ledger.StatusConfirmed:
			r.resolveConfirmed(ctx, attempt, row, result, dryRun)
		case ledger.StatusFailed:
			r.updateAttempt(ctx, attempt, models.AttemptFailed, "settlement failed on ledger")
			row.AttemptStatus = models.AttemptFailed
		case ledger.StatusPending:
			if now.Sub(attempt.CreatedAt) > r.stalledAfter {
				row.Stalled = true
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:          AnomalyStalledAttempt,
					VideoID:       attempt.VideoID,
					SettlementRef: attempt.TxHash,
					Details:       fmt.Sprintf("settlement pending since %s", attempt.CreatedAt.Format(time.RFC3339)),
				}))
			}
		}
	}

	if !dryRun {
		if err := r.writeReports(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// resolveConfirmed handles a settlement the ledger confirmed: if the claim
// registry missed it, the record is completed with the existing reference.
func (r *Reconciler) resolveConfirmed(ctx context.Context, attempt *models.SettlementAttempt, row *ReportRow, result *Result, dryRun bool) {
	settled, err := r.registry.IsSettled(ctx, attempt.VideoID)
	if err != nil {
		r.log.Warn("recon: claim record lookup failed", "video_id", attempt.VideoID, "error", err)
		return
	}
	row.Recorded = settled
	if !settled {
		row.Unrecorded = true
		result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
			Type:          AnomalyUnrecordedSettlement,
			VideoID:       attempt.VideoID,
			SettlementRef: attempt.TxHash,
			Details:       fmt.Sprintf("ledger confirmed %s but claim record is unsettled", attempt.TxHash),
		}))
		if !dryRun {
			amount, ok := new(big.Int).SetString(attempt.Amount, 10)
			if !ok {
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:          AnomalyAmountUnparseable,
					VideoID:       attempt.VideoID,
					SettlementRef: attempt.TxHash,
					Details:       fmt.Sprintf("attempt amount %q is not an integer", attempt.Amount),
				}))
				return
			}
			won, casErr := r.registry.TryMarkSettled(ctx, attempt.VideoID, amount, attempt.TxHash)
			if casErr != nil {
				r.log.Error("recon: claim record repair failed",
					"video_id", attempt.VideoID, "settlement_ref", attempt.TxHash, "error", casErr)
				return
			}
			if won {
				row.Repaired = true
				row.Recorded = true
				result.Repaired++
				r.metrics.ReconRepairs.Inc()
				r.log.Info("recon: claim record completed from confirmed settlement",
					"video_id", attempt.VideoID, "settlement_ref", attempt.TxHash)
			}
		}
	}
	r.updateAttempt(ctx, attempt, models.AttemptConfirmed, "")
	row.AttemptStatus = models.AttemptConfirmed
}

func (r *Reconciler) updateAttempt(ctx context.Context, attempt *models.SettlementAttempt, status, lastErr string) {
	err := r.db.WithContext(ctx).Model(&models.SettlementAttempt{}).
		Where("id = ?", attempt.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastErr,
			"updated_at": r.now(),
		}).Error
	if err != nil {
		r.log.Error("recon: attempt update failed", "attempt_id", attempt.ID, "error", err)
	}
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.metrics.ReconAnomalies.WithLabelValues(anomaly.Type).Inc()
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.log.Warn("recon: alert delivery failed", "type", anomaly.Type, "error", err)
		}
	}
	return anomaly
}

func (r *Reconciler) writeReports(result *Result) error {
	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", result.Start.Format("20060102"), result.End.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("recon: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "settlements.csv")
	if err := writeCSV(csvPath, result.Rows); err != nil {
		return err
	}
	parquetPath := filepath.Join(runDir, "settlements.parquet")
	if err := writeParquet(parquetPath, result.Rows); err != nil {
		return err
	}
	result.CSVPath = csvPath
	result.ParquetPath = parquetPath
	r.log.Info("recon: wrote reports", "csv", csvPath, "parquet", parquetPath, "rows", len(result.Rows))
	return nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"video_id", "recipient", "amount", "attempt_status", "ledger_status",
		"settlement_ref", "recorded", "unrecorded", "stalled", "repaired",
		"created_at", "updated_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.VideoID,
			row.Recipient,
			row.Amount,
			row.AttemptStatus,
			row.LedgerStatus,
			row.SettlementRef,
			boolString(row.Recorded),
			boolString(row.Unrecorded),
			boolString(row.Stalled),
			boolString(row.Repaired),
			row.CreatedAt.Format(time.RFC3339),
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	VideoID       string `parquet:"name=video_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient     string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AttemptStatus string `parquet:"name=attempt_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerStatus  string `parquet:"name=ledger_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettlementRef string `parquet:"name=settlement_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recorded      bool   `parquet:"name=recorded, type=BOOLEAN"`
	Unrecorded    bool   `parquet:"name=unrecorded, type=BOOLEAN"`
	Stalled       bool   `parquet:"name=stalled, type=BOOLEAN"`
	Repaired      bool   `parquet:"name=repaired, type=BOOLEAN"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt     string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			VideoID:       row.VideoID,
			Recipient:     row.Recipient,
			Amount:        row.Amount,
			AttemptStatus: row.AttemptStatus,
			LedgerStatus:  row.LedgerStatus,
			SettlementRef: row.SettlementRef,
			Recorded:      row.Recorded,
			Unrecorded:    row.Unrecorded,
			Stalled:       row.Stalled,
			Repaired:      row.Repaired,
			CreatedAt:     row.CreatedAt.Format(time.RFC3339),
			UpdatedAt:     row.UpdatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: close parquet: %w", err)
	}
	return file.Close()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
