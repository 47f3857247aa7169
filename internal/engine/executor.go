package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/dlmm"
	"github.com/wnt/rebalancer/internal/entitlement"
	"github.com/wnt/rebalancer/internal/logger"
	"github.com/wnt/rebalancer/internal/metrics"
	"github.com/wnt/rebalancer/internal/models"
	"github.com/wnt/rebalancer/internal/notify"
	"github.com/wnt/rebalancer/internal/settle"
)

// PoolClient is the on-chain pool boundary consumed by the executor.
type PoolClient interface {
	GetPool(ctx context.Context, address solana.PublicKey) (dlmm.Pool, error)
	GetPosition(ctx context.Context, address solana.PublicKey) (dlmm.PositionState, error)
	GetBalances(ctx context.Context, owner solana.PublicKey, pool dlmm.Pool) (dlmm.Balances, error)
	RemoveLiquidityAndClose(ctx context.Context, signer solana.PrivateKey, pool dlmm.Pool, position dlmm.PositionState) (dlmm.CloseResult, error)
	AddLiquidity(ctx context.Context, signer solana.PrivateKey, pool dlmm.Pool, lowerBin, upperBin int32, amountX, amountY float64, slippageBps int) (dlmm.CreateResult, error)
}

// AccessGate verifies entitlement to automated service.
type AccessGate interface {
	VerifyAccess(ctx context.Context, userKey string) (entitlement.Decision, error)
	InvalidateCredits(address string)
}

// Ledger persists reposition outcomes.
type Ledger interface {
	SettleReposition(ctx context.Context, user *models.User, old *models.Position, exit settle.Exit, created dlmm.CreateResult, entryPrice float64, mode entitlement.Mode, linkedWallet string, success bool) (settle.Summary, error)
	MarkClosed(ctx context.Context, position *models.Position, exit settle.Exit) error
}

// Notifier sends outcome messages to the user.
type Notifier interface {
	Send(ctx context.Context, user *models.User, kind notify.Kind, text string)
}

// KeyVault resolves a user's wallet to a signing key for one operation.
type KeyVault interface {
	PrivateKey(ctx context.Context, wallet string) (solana.PrivateKey, error)
}

// Config holds the executor's tuning parameters.
type Config struct {
	RangeBufferBins     int32
	NewPositionWidth    int32
	SettleDelay         time.Duration
	MaxCreateAttempts   int
	SlippageBps         int
	RetryBackoffBase    time.Duration
	BinInstabilityPause time.Duration
}

// binInstabilityThreshold is the active-bin drift between reads above which
// a create attempt would be submitted against a stale bin.
const binInstabilityThreshold = 2

// maxInstabilityPauses bounds how long create waits for the active bin to
// settle. Pauses do not consume create attempts.
const maxInstabilityPauses = 10

// maxRetryBackoff caps the exponential create backoff.
const maxRetryBackoff = 30 * time.Second

// Executor drives one position through the reposition state machine:
// range check, cooldown, entitlement, close, settle, create, reconcile.
// Execution is strictly sequential per call; one Executor never runs two
// repositions for the same wallet concurrently because the scanner invokes
// it sequentially.
type Executor struct {
	pool     PoolClient
	keys     KeyVault
	gate     AccessGate
	cooldown *CooldownTracker
	ledger   Ledger
	notifier Notifier
	cfg      Config
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor from its collaborators.
func NewExecutor(cfg Config, pool PoolClient, keys KeyVault, gate AccessGate, cooldown *CooldownTracker, ledger Ledger, notifier Notifier, log zerolog.Logger) *Executor {
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 2 * time.Second
	}
	if cfg.BinInstabilityPause <= 0 {
		cfg.BinInstabilityPause = 3 * time.Second
	}
	return &Executor{
		pool:     pool,
		keys:     keys,
		gate:     gate,
		cooldown: cooldown,
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.With().Str("component", "executor").Logger(),
		sleep:    sleepCtx,
	}
}

// Process runs the full reposition state machine for one position. The
// returned bool reports whether the position was found out of range this
// cycle. A nil error means the cycle ended cleanly, including the common
// steady-state case of a position still in range. Errors are terminal for
// this cycle only; the next scan decides what happens after.
func (e *Executor) Process(ctx context.Context, user *models.User, position *models.Position) (bool, error) {
	log := logger.WithPosition(logger.WithUser(e.logger, user.WalletAddress), position.PositionAddress)

	poolAddr, err := solana.PublicKeyFromBase58(position.PoolAddress)
	if err != nil {
		return false, fmt.Errorf("invalid pool address %q: %w", position.PoolAddress, err)
	}
	positionAddr, err := solana.PublicKeyFromBase58(position.PositionAddress)
	if err != nil {
		return false, fmt.Errorf("invalid position address %q: %w", position.PositionAddress, err)
	}

	pool, err := e.pool.GetPool(ctx, poolAddr)
	if err != nil {
		return false, fmt.Errorf("failed to read pool state: %w", err)
	}

	if !IsOutOfRange(position.LowerBinID, position.UpperBinID, pool.ActiveBin, e.cfg.RangeBufferBins) {
		return false, nil
	}
	log.Info().
		Int32("active_bin", pool.ActiveBin).
		Int32("lower_bin", position.LowerBinID).
		Int32("upper_bin", position.UpperBinID).
		Int32("edge_distance", EdgeDistance(position.LowerBinID, position.UpperBinID, pool.ActiveBin)).
		Msg("position out of range")

	if !e.cooldown.CanReposition(position.PositionAddress) {
		log.Debug().Msg("reposition suppressed by cooldown")
		metrics.RecordReposition("skipped")
		return true, nil
	}

	decision, err := e.gate.VerifyAccess(ctx, user.WalletAddress)
	if err != nil {
		// Fail closed: an unverifiable entitlement means no automated action
		metrics.RecordReposition("denied")
		e.notifier.Send(ctx, user, notify.KindSubscriptionCheckFailed, notify.FormatSubscriptionCheckFailed())
		return true, fmt.Errorf("entitlement check failed: %w", err)
	}
	if decision.SilentSkip {
		log.Debug().Msg("automation disabled in user settings")
		return true, nil
	}
	if !decision.Granted {
		kind := notify.KindNoSubscription
		if decision.DenyReason == entitlement.ReasonNoLinkedWallet {
			kind = notify.KindSubscriptionRequired
		}
		metrics.RecordReposition("denied")
		e.notifier.Send(ctx, user, kind, notify.FormatAccessDenied(decision.DenyReason))
		return true, nil
	}

	// The database may lag the chain: a prior run can have closed the
	// account already. Tolerate that instead of crashing the scan.
	onchain, err := e.pool.GetPosition(ctx, positionAddr)
	if errors.Is(err, dlmm.ErrPositionNotFound) {
		log.Warn().Msg("position account no longer exists on chain, marking record closed")
		e.cooldown.Forget(position.PositionAddress)
		exit := settle.Exit{Price: pool.PricePerToken(), BinID: pool.ActiveBin}
		if err := e.ledger.MarkClosed(ctx, position, exit); err != nil {
			return true, fmt.Errorf("failed to mark vanished position closed: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to read position state: %w", err)
	}

	key, err := e.keys.PrivateKey(ctx, user.WalletAddress)
	if err != nil {
		metrics.RecordReposition("failed")
		return true, fmt.Errorf("failed to load signing key: %w", err)
	}

	e.notifier.Send(ctx, user, notify.KindStarting, notify.FormatStarting(position, pool.ActiveBin))

	// Recorded at initiation, not success: a failing close must wait out
	// the cooldown like everything else.
	e.cooldown.Record(position.PositionAddress)

	closeRes, err := e.pool.RemoveLiquidityAndClose(ctx, key, pool, onchain)
	if err != nil {
		metrics.RecordReposition("failed")
		e.notifier.Send(ctx, user, notify.KindError, notify.FormatError(err))
		return true, fmt.Errorf("failed to close position: %w", err)
	}
	exit := settle.Exit{
		Price:               pool.PricePerToken(),
		BinID:               closeRes.ActiveBin,
		ReturnedX:           closeRes.ReturnedX,
		ReturnedY:           closeRes.ReturnedY,
		GasEstimateLamports: closeRes.FeeLamports,
	}

	// Give the ledger a moment before trusting balances. The recorded
	// deposit amounts must never be used to size the new position.
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return true, err
	}

	balances, err := e.pool.GetBalances(ctx, key.PublicKey(), pool)
	if err != nil {
		crit := &CriticalError{Stage: "post-close balance read", Err: err}
		e.failCritical(ctx, user, position, exit, crit, log)
		return true, crit
	}

	createRes, err := e.createWithRetry(ctx, key, poolAddr, pool.ActiveBin, balances, log)
	if err != nil {
		crit := &CriticalError{Stage: "create new position", Err: err}
		e.failCritical(ctx, user, position, exit, crit, log)
		return true, crit
	}

	// A created-but-empty position earns nothing; that is a user-impacting
	// error, never a silent retry case.
	var emptyErr error
	newState, verifyErr := e.pool.GetPosition(ctx, createRes.PositionAddress)
	switch {
	case verifyErr != nil:
		emptyErr = &CriticalError{Stage: "verify new position", Err: verifyErr}
	case newState.TotalLiquidity() == 0:
		emptyErr = &CriticalError{Stage: "verify new position", Err: ErrEmptyPosition}
	}

	entryPrice := pool.PriceAtBin(createRes.ActiveBin)
	summary, err := e.ledger.SettleReposition(ctx, user, position, exit, createRes, entryPrice, decision.Mode, decision.LinkedWallet, emptyErr == nil)
	if err != nil {
		// Chain state is the source of truth and cannot be rolled back
		log.Error().Err(err).Msg("persistence failed after on-chain success, manual data reconciliation required")
		metrics.RecordReposition("failed")
		e.notifier.Send(ctx, user, notify.KindError, notify.FormatError(err))
		return true, nil
	}
	if summary.CreditsUsed {
		e.gate.InvalidateCredits(decision.LinkedWallet)
	}

	if emptyErr != nil {
		metrics.RecordReposition("critical")
		e.notifier.Send(ctx, user, notify.KindError, notify.FormatError(emptyErr))
		return true, emptyErr
	}

	metrics.RecordReposition("success")
	e.notifier.Send(ctx, user, notify.KindSuccess, notify.FormatSuccess(summary))
	log.Info().
		Str("new_position", summary.NewPosition).
		Float64("pnl_usd", summary.PnL.PnlUSD).
		Float64("pnl_percent", summary.PnL.PnlPercent).
		Msg("reposition complete")
	return true, nil
}

// createWithRetry submits the create transaction sized to the freshly read
// balances, retrying transient failures with bounded exponential backoff.
// When the active bin drifts more than binInstabilityThreshold bins between
// reads it pauses instead of submitting against a stale bin; pauses have
// their own bound and never consume create attempts.
func (e *Executor) createWithRetry(ctx context.Context, key solana.PrivateKey, poolAddr solana.PublicKey, lastActiveBin int32, balances dlmm.Balances, log zerolog.Logger) (dlmm.CreateResult, error) {
	backoff := e.cfg.RetryBackoffBase
	var lastErr error

	attempt := 0
	pauses := 0
	for attempt < e.cfg.MaxCreateAttempts {
		pool, err := e.pool.GetPool(ctx, poolAddr)
		if err != nil {
			if !IsTransient(err) {
				return dlmm.CreateResult{}, err
			}
			attempt++
			lastErr = err
			if err := e.sleep(ctx, backoff); err != nil {
				return dlmm.CreateResult{}, err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		drift := pool.ActiveBin - lastActiveBin
		if drift < 0 {
			drift = -drift
		}
		lastActiveBin = pool.ActiveBin
		if drift > binInstabilityThreshold {
			pauses++
			if pauses > maxInstabilityPauses {
				return dlmm.CreateResult{}, fmt.Errorf("active bin failed to stabilize after %d pauses", maxInstabilityPauses)
			}
			log.Warn().
				Int32("drift", drift).
				Int("pause", pauses).
				Msg("active bin unstable, pausing before create")
			if err := e.sleep(ctx, e.cfg.BinInstabilityPause); err != nil {
				return dlmm.CreateResult{}, err
			}
			continue
		}

		half := e.cfg.NewPositionWidth / 2
		lower := pool.ActiveBin - half
		upper := lower + e.cfg.NewPositionWidth - 1

		res, err := e.pool.AddLiquidity(ctx, key, pool, lower, upper, balances.TokenX, balances.TokenY, e.cfg.SlippageBps)
		if err == nil {
			return res, nil
		}
		attempt++
		lastErr = err
		if !IsTransient(err) {
			return dlmm.CreateResult{}, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("create attempt failed, backing off")
		if err := e.sleep(ctx, backoff); err != nil {
			return dlmm.CreateResult{}, err
		}
		backoff = nextBackoff(backoff)
	}

	return dlmm.CreateResult{}, fmt.Errorf("create retries exhausted after %d attempts: %w", e.cfg.MaxCreateAttempts, lastErr)
}

// failCritical records the irreversible close and tells the user exactly
// once. The status guard in the ledger keeps the close-mark idempotent even
// if a later scan passes through here again.
func (e *Executor) failCritical(ctx context.Context, user *models.User, position *models.Position, exit settle.Exit, crit *CriticalError, log zerolog.Logger) {
	metrics.RecordReposition("critical")
	if err := e.ledger.MarkClosed(ctx, position, exit); err != nil {
		log.Error().Err(err).Msg("failed to persist close after critical failure, manual data reconciliation required")
	}
	e.notifier.Send(ctx, user, notify.KindError, notify.FormatError(crit))
	log.Error().Err(crit.Err).Str("stage", crit.Stage).Msg("critical reposition failure, funds unpositioned in wallet")
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxRetryBackoff {
		return maxRetryBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
