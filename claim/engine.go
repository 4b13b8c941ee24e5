// Package claim implements the claim orchestrator: the transactional
// handshake between the off-chain claim registry and the on-chain
// settlement ledger. A claim either produces exactly one settlement and one
// registry transition, or it fails with a classified error and no state
// change — with the single documented exception of a confirmed settlement
// whose registry write failed, which is surfaced for reconciliation rather
// than retried.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reelchain/core/engagement"
	"reelchain/core/rewards"
	"reelchain/ledger"
	"reelchain/models"
	"reelchain/observability"
)

// Registry is the claim registry surface the engine depends on. The
// compare-and-set in TryMarkSettled is the sole serialization point; the
// IsSettled read is an advisory fast path.
type Registry interface {
	IsSettled(ctx context.Context, videoID string) (bool, error)
	TryMarkSettled(ctx context.Context, videoID string, amount *big.Int, settlementRef string) (bool, error)
}

// Outcome is the result of a successful claim.
type Outcome struct {
	VideoID       string
	Amount        *big.Int
	SettlementRef string
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB         *gorm.DB
	Store      engagement.Store
	Registry   Registry
	Ledger     ledger.Ledger
	Calculator *rewards.Calculator
	Logger     *slog.Logger

	// SubmitTimeout bounds the settlement submission RPC.
	SubmitTimeout time.Duration
	// ConfirmPollInterval and ConfirmTimeout control how the engine
	// resolves the settlement's true outcome before responding.
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration

	Now func() time.Time
}

// Engine coordinates snapshot read, reward computation, ledger settlement,
// and the registry transition.
type Engine struct {
	db       *gorm.DB
	store    engagement.Store
	registry Registry
	ledger   ledger.Ledger
	calc     *rewards.Calculator
	log      *slog.Logger
	metrics  *observability.ClaimMetrics

	submitTimeout       time.Duration
	confirmPollInterval time.Duration
	confirmTimeout      time.Duration

	nowFn func() time.Time
}

// NewEngine constructs a claim engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("claim: db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("claim: engagement store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("claim: registry is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("claim: ledger is required")
	}
	if cfg.Calculator == nil {
		return nil, errors.New("claim: calculator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	pollInterval := cfg.ConfirmPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		db:                  cfg.DB,
		store:               cfg.Store,
		registry:            cfg.Registry,
		ledger:              cfg.Ledger,
		calc:                cfg.Calculator,
		log:                 logger,
		metrics:             observability.Claims(),
		submitTimeout:       submitTimeout,
		confirmPollInterval: pollInterval,
		confirmTimeout:      confirmTimeout,
		nowFn:               nowFn,
	}, nil
}

// IdempotencyKey returns the settlement idempotency key for a video. It is
// deterministic so retried submissions collapse onto one on-chain claim id.
func IdempotencyKey(videoID string) string {
	return "claim:" + videoID
}

// Claim runs one claim attempt for the video on behalf of the requester.
// Preconditions short-circuit in order: NotFound, Unauthorized,
// AlreadyClaimed, NoReward. Cancellation of ctx after the settlement has
// been submitted does not abandon it; the engine still resolves the true
// outcome before deciding whether to write the registry.
func (e *Engine) Claim(ctx context.Context, videoID string, requester common.Address) (*Outcome, error) {
	outcome, err := e.claim(ctx, videoID, requester)
	kind := KindOf(err)
	if kind == KindNone {
		kind = Kind("Success")
	}
	e.metrics.ClaimOutcomes.WithLabelValues(string(kind)).Inc()
	return outcome, err
}

func (e *Engine) claim(ctx context.Context, videoID string, requester common.Address) (*Outcome, error) {
	snapshot, err := e.store.Snapshot(ctx, videoID)
	if err != nil {
		if errors.Is(err, engagement.ErrVideoNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim: read snapshot: %w", err)
	}
	if requester == (common.Address{}) || snapshot.Creator != requester {
		return nil, ErrUnauthorized
	}

	settled, err := e.registry.IsSettled(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("claim: read claim record: %w", err)
	}
	if settled {
		return nil, ErrAlreadyClaimed
	}

	amount := e.calc.Compute(snapshot)
	if amount.Sign() == 0 {
		return nil, ErrNoReward
	}

	// The settlement leg runs detached from the caller: a request
	// timeout must not leave an in-flight transfer unresolved.
	sctx := context.WithoutCancel(ctx)
	idemKey := IdempotencyKey(videoID)
	if err := e.recordAttempt(sctx, videoID, requester, amount, idemKey); err != nil {
		return nil, fmt.Errorf("claim: record attempt: %w", err)
	}

	submitStart := e.nowFn()
	submitCtx, cancel := context.WithTimeout(sctx, e.submitTimeout)
	ref, submitErr := e.ledger.Submit(submitCtx, requester, amount, idemKey)
	cancel()
	if submitErr != nil {
		return e.settleSubmitFailure(sctx, videoID, requester, idemKey, ref, amount, submitErr)
	}

	// Persist the ref immediately: if the outcome stays unresolved, the
	// reconciler needs it to find the settlement on the ledger.
	e.markAttempt(sctx, idemKey, models.AttemptSubmitted, ref, "")

	status, err := e.awaitOutcome(sctx, ref)
	if err != nil || status == ledger.StatusPending {
		// Outcome still unknown after the polling budget. The attempt
		// row stays SUBMITTED for the reconciler; a caller retry is
		// safe behind the idempotency key.
		e.log.Warn("settlement outcome unresolved",
			"video_id", videoID, "settlement_ref", ref, "error", err)
		return nil, fmt.Errorf("%w: settlement outcome unresolved", ledger.ErrUnreachable)
	}
	if status == ledger.StatusFailed {
		e.markAttempt(sctx, idemKey, models.AttemptFailed, ref, "settlement failed on ledger")
		return nil, fmt.Errorf("%w: settlement failed on ledger", ledger.ErrRejected)
	}
	e.metrics.SettlementSeconds.Observe(e.nowFn().Sub(submitStart).Seconds())

	won, err := e.registry.TryMarkSettled(sctx, videoID, amount, ref)
	if err != nil {
		// Settlement confirmed but the registry write failed. Never
		// resubmit; flag for reconciliation.
		e.markAttempt(sctx, idemKey, models.AttemptReconRequired, ref, err.Error())
		e.log.Error("reconciliation required: settlement confirmed but claim record write failed",
			"video_id", videoID, "settlement_ref", ref, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, err)
	}
	e.markAttempt(sctx, idemKey, models.AttemptConfirmed, ref, "")
	if !won {
		// A concurrent attempt recorded the claim first; the ledger's
		// claim id guard ensured only one payout happened.
		return nil, ErrAlreadyClaimed
	}

	e.log.Info("reward claimed",
		"video_id", videoID,
		"recipient", requester.Hex(),
		"amount", amount.String(),
		"settlement_ref", ref)
	return &Outcome{VideoID: videoID, Amount: amount, SettlementRef: ref}, nil
}

// settleSubmitFailure classifies a failed submission and, when the delivery
// outcome is genuinely unknown, resolves it through ledger status polling
// before reporting back. A submission that turns out to have confirmed is
// promoted to a regular success. A rejection against the on-chain claim
// guard during a retry is resolved the same way, through the ref the prior
// attempt recorded: the guard firing means that settlement landed.
func (e *Engine) settleSubmitFailure(ctx context.Context, videoID string, requester common.Address, idemKey, ref string, amount *big.Int, submitErr error) (*Outcome, error) {
	if ref == "" && errors.Is(submitErr, ledger.ErrRejected) {
		ref = e.priorRef(ctx, idemKey)
	}
	resolvable := ref != "" &&
		(errors.Is(submitErr, ledger.ErrUnreachable) || errors.Is(submitErr, ledger.ErrRejected))
	if !resolvable {
		e.markAttempt(ctx, idemKey, models.AttemptFailed, ref, submitErr.Error())
		return nil, submitErr
	}

	// The settlement may have reached the ledger: either the transport
	// failed after signing, or the claim guard reported it already paid.
	// Keep the ref on the attempt row and resolve before answering.
	e.markAttempt(ctx, idemKey, models.AttemptSubmitted, ref, "")
	status, err := e.awaitOutcome(ctx, ref)
	if err == nil && status == ledger.StatusConfirmed {
		won, casErr := e.registry.TryMarkSettled(ctx, videoID, amount, ref)
		if casErr != nil {
			e.markAttempt(ctx, idemKey, models.AttemptReconRequired, ref, casErr.Error())
			e.log.Error("reconciliation required: settlement confirmed but claim record write failed",
				"video_id", videoID, "settlement_ref", ref, "error", casErr)
			return nil, fmt.Errorf("%w: %v", ErrReconciliationRequired, casErr)
		}
		e.markAttempt(ctx, idemKey, models.AttemptConfirmed, ref, "")
		if !won {
			return nil, ErrAlreadyClaimed
		}
		e.log.Info("reward claimed after transport retry resolution",
			"video_id", videoID, "recipient", requester.Hex(),
			"amount", amount.String(), "settlement_ref", ref)
		return &Outcome{VideoID: videoID, Amount: amount, SettlementRef: ref}, nil
	}
	if err == nil && status == ledger.StatusFailed {
		e.markAttempt(ctx, idemKey, models.AttemptFailed, ref, submitErr.Error())
		return nil, submitErr
	}
	// Still unknown: leave the attempt SUBMITTED for the reconciler.
	e.log.Warn("settlement delivery unknown after transport failure",
		"video_id", videoID, "settlement_ref", ref, "error", submitErr)
	return nil, submitErr
}

// awaitOutcome polls the ledger until the settlement leaves the pending
// state or the polling budget runs out.
func (e *Engine) awaitOutcome(ctx context.Context, ref string) (ledger.Status, error) {
	ticker := time.NewTicker(e.confirmPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	for {
		status, err := e.ledger.Status(ctx, ref)
		if err == nil && status != ledger.StatusPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return ledger.StatusPending, ctx.Err()
		case <-deadline.C:
			return ledger.StatusPending, nil
		case <-ticker.C:
		}
	}
}

// recordAttempt upserts the attempt row keyed by idempotency key. Concurrent
// first claims race the insert, so the conflict degrades to a refresh of the
// existing row instead of a unique-constraint error. The ref from a prior
// attempt is deliberately left untouched.
func (e *Engine) recordAttempt(ctx context.Context, videoID string, recipient common.Address, amount *big.Int, idemKey string) error {
	now := e.nowFn()
	attempt := models.SettlementAttempt{
		ID:             uuid.New(),
		VideoID:        videoID,
		Recipient:      recipient.Hex(),
		Amount:         amount.String(),
		IdempotencyKey: idemKey,
		Status:         models.AttemptSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"recipient":  recipient.Hex(),
			"amount":     amount.String(),
			"status":     models.AttemptSubmitted,
			"last_error": "",
			"updated_at": now,
		}),
	}).Create(&attempt).Error
}

// priorRef returns the settlement ref a previous attempt recorded for the
// key, if any.
func (e *Engine) priorRef(ctx context.Context, idemKey string) string {
	var attempt models.SettlementAttempt
	err := e.db.WithContext(ctx).First(&attempt, "idempotency_key = ?", idemKey).Error
	if err != nil {
		return ""
	}
	return attempt.TxHash
}

func (e *Engine) markAttempt(ctx context.Context, idemKey, status, txHash, lastErr string) {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastErr,
		"updated_at": e.nowFn(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	if err := e.db.WithContext(ctx).Model(&models.SettlementAttempt{}).
		Where("idempotency_key = ?", idemKey).
		Updates(updates).Error; err != nil {
		e.log.Error("settlement attempt update failed", "idempotency_key", idemKey, "error", err)
	}
}

