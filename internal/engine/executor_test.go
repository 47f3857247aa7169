package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/rebalancer/internal/dlmm"
	"github.com/wnt/rebalancer/internal/entitlement"
	"github.com/wnt/rebalancer/internal/models"
	"github.com/wnt/rebalancer/internal/notify"
	"github.com/wnt/rebalancer/internal/settle"
)

type fakePool struct {
	pool    dlmm.Pool
	poolSeq []dlmm.Pool
	poolErr error

	position    dlmm.PositionState
	positionErr error

	newPosition    dlmm.PositionState
	newPositionErr error

	balances    dlmm.Balances
	balancesErr error

	closeResult dlmm.CloseResult
	closeErr    error

	createResult dlmm.CreateResult
	createErrs   []error

	getPoolCalls  int
	closeCalls    int
	createCalls   int
	balancesCalls int
}

func (f *fakePool) GetPool(_ context.Context, _ solana.PublicKey) (dlmm.Pool, error) {
	f.getPoolCalls++
	if len(f.poolSeq) > 0 {
		pool := f.poolSeq[0]
		if len(f.poolSeq) > 1 {
			f.poolSeq = f.poolSeq[1:]
		}
		return pool, f.poolErr
	}
	return f.pool, f.poolErr
}

func (f *fakePool) GetPosition(_ context.Context, address solana.PublicKey) (dlmm.PositionState, error) {
	if address.Equals(f.createResult.PositionAddress) {
		return f.newPosition, f.newPositionErr
	}
	return f.position, f.positionErr
}

func (f *fakePool) GetBalances(_ context.Context, _ solana.PublicKey, _ dlmm.Pool) (dlmm.Balances, error) {
	f.balancesCalls++
	return f.balances, f.balancesErr
}

func (f *fakePool) RemoveLiquidityAndClose(_ context.Context, _ solana.PrivateKey, _ dlmm.Pool, _ dlmm.PositionState) (dlmm.CloseResult, error) {
	f.closeCalls++
	return f.closeResult, f.closeErr
}

func (f *fakePool) AddLiquidity(_ context.Context, _ solana.PrivateKey, _ dlmm.Pool, lowerBin, upperBin int32, _, _ float64, _ int) (dlmm.CreateResult, error) {
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return dlmm.CreateResult{}, err
		}
	}
	res := f.createResult
	res.LowerBinID = lowerBin
	res.UpperBinID = upperBin
	return res, nil
}

type fakeGate struct {
	decision    entitlement.Decision
	err         error
	calls       int
	invalidated []string
}

func (f *fakeGate) VerifyAccess(_ context.Context, _ string) (entitlement.Decision, error) {
	f.calls++
	return f.decision, f.err
}

func (f *fakeGate) InvalidateCredits(address string) {
	f.invalidated = append(f.invalidated, address)
}

type fakeLedger struct {
	summary       settle.Summary
	settleErr     error
	markClosedErr error

	settleCalls       int
	settleSuccess     []bool
	settleExits       []settle.Exit
	settleEntryPrices []float64
	markClosedCalls   int
	markClosedExits   []settle.Exit
}

func (f *fakeLedger) SettleReposition(_ context.Context, _ *models.User, _ *models.Position, exit settle.Exit, _ dlmm.CreateResult, entryPrice float64, _ entitlement.Mode, _ string, success bool) (settle.Summary, error) {
	f.settleCalls++
	f.settleSuccess = append(f.settleSuccess, success)
	f.settleExits = append(f.settleExits, exit)
	f.settleEntryPrices = append(f.settleEntryPrices, entryPrice)
	return f.summary, f.settleErr
}

func (f *fakeLedger) MarkClosed(_ context.Context, _ *models.Position, exit settle.Exit) error {
	f.markClosedCalls++
	f.markClosedExits = append(f.markClosedExits, exit)
	return f.markClosedErr
}

type fakeNotifier struct {
	kinds []notify.Kind
	texts []string
}

func (f *fakeNotifier) Send(_ context.Context, _ *models.User, kind notify.Kind, text string) {
	f.kinds = append(f.kinds, kind)
	f.texts = append(f.texts, text)
}

type fakeVault struct {
	key solana.PrivateKey
	err error
}

func (f *fakeVault) PrivateKey(_ context.Context, _ string) (solana.PrivateKey, error) {
	return f.key, f.err
}

type fixture struct {
	executor *Executor
	pool     *fakePool
	gate     *fakeGate
	ledger   *fakeLedger
	notifier *fakeNotifier
	cooldown *CooldownTracker
	user     *models.User
	position *models.Position
	sleeps   []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	wallet := solana.NewWallet()
	poolAddr := solana.NewWallet().PublicKey()
	positionAddr := solana.NewWallet().PublicKey()
	newPositionAddr := solana.NewWallet().PublicKey()

	pool := &fakePool{
		pool: dlmm.Pool{
			Address:   poolAddr,
			BinStep:   20,
			ActiveBin: 96,
			DecimalsX: 9,
			DecimalsY: 6,
		},
		position: dlmm.PositionState{
			Address:      positionAddr,
			LowerBinID:   100,
			UpperBinID:   168,
			BinLiquidity: []uint64{10, 20},
		},
		newPosition: dlmm.PositionState{
			Address:      newPositionAddr,
			BinLiquidity: []uint64{5, 5},
		},
		balances: dlmm.Balances{Lamports: 1_000_000, TokenX: 1.5, TokenY: 120},
		closeResult: dlmm.CloseResult{
			Signature: solana.Signature{},
			ActiveBin: 96,
			ReturnedX: 1.5,
			ReturnedY: 120,
		},
		createResult: dlmm.CreateResult{
			PositionAddress: newPositionAddr,
			ActiveBin:       96,
			DepositedX:      1.5,
			DepositedY:      120,
		},
	}

	gate := &fakeGate{
		decision: entitlement.Decision{
			Granted:      true,
			Mode:         entitlement.ModeSubscription,
			LinkedWallet: "LinkedA",
			Settings:     entitlement.AutomationSettings{AutoRebalance: true},
		},
	}
	ledger := &fakeLedger{summary: settle.Summary{NewPosition: newPositionAddr.String()}}
	notifier := &fakeNotifier{}
	cooldown := NewCooldownTracker(5 * time.Minute)

	executor := NewExecutor(Config{
		RangeBufferBins:   2,
		NewPositionWidth:  69,
		SettleDelay:       time.Millisecond,
		MaxCreateAttempts: 3,
		SlippageBps:       100,
	}, pool, &fakeVault{key: wallet.PrivateKey}, gate, cooldown, ledger, notifier, zerolog.Nop())

	user := &models.User{WalletAddress: wallet.PublicKey().String(), ChatID: 42}
	user.ID = 1
	position := &models.Position{
		UserID:          1,
		PositionAddress: positionAddr.String(),
		PoolAddress:     poolAddr.String(),
		LowerBinID:      100,
		UpperBinID:      168,
		Status:          models.PositionStatusActive,
	}
	position.ID = 7

	f := &fixture{
		executor: executor,
		pool:     pool,
		gate:     gate,
		ledger:   ledger,
		notifier: notifier,
		cooldown: cooldown,
		user:     user,
		position: position,
	}
	executor.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func TestProcessInRangeIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.pool.pool.ActiveBin = 99 // within the buffer below the lower edge

	outOfRange, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.False(t, outOfRange)
	assert.Zero(t, f.gate.calls)
	assert.Zero(t, f.pool.closeCalls)
	assert.Empty(t, f.notifier.kinds)
}

func TestProcessFullRepositionSuccess(t *testing.T) {
	f := newFixture(t)

	outOfRange, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)
	require.True(t, outOfRange)

	assert.Equal(t, 1, f.pool.closeCalls)
	assert.Equal(t, 1, f.pool.balancesCalls)
	assert.Equal(t, 1, f.pool.createCalls)
	assert.Equal(t, 1, f.ledger.settleCalls)
	assert.Equal(t, []bool{true}, f.ledger.settleSuccess)
	assert.Zero(t, f.ledger.markClosedCalls)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindSuccess}, f.notifier.kinds)
	assert.False(t, f.cooldown.CanReposition(f.position.PositionAddress))
	// Subscription mode never touches the credit cache
	assert.Empty(t, f.gate.invalidated)
}

func TestProcessRecordsEntryAndExitPricesInSameUnits(t *testing.T) {
	f := newFixture(t)
	// Market unchanged across the reposition: the active bin at close and
	// at create is the same, so the recorded prices must be equal.
	require.Equal(t, f.pool.pool.ActiveBin, f.pool.createResult.ActiveBin)

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	require.Len(t, f.ledger.settleExits, 1)
	require.Len(t, f.ledger.settleEntryPrices, 1)

	exitPrice := f.ledger.settleExits[0].Price
	entryPrice := f.ledger.settleEntryPrices[0]
	assert.InDelta(t, exitPrice, entryPrice, exitPrice*1e-12)

	// Both carry the pool's 10^(decimalsX-decimalsY) shift for UI units
	expected := f.pool.pool.PriceAtBin(f.pool.pool.ActiveBin)
	assert.InDelta(t, expected, entryPrice, expected*1e-12)
}

func TestProcessCreatePausesOnBinInstability(t *testing.T) {
	f := newFixture(t)
	moved := f.pool.pool
	moved.ActiveBin = 110 // 14 bins past the close-time read
	f.pool.poolSeq = []dlmm.Pool{f.pool.pool, moved}
	f.pool.createResult.ActiveBin = moved.ActiveBin

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	// One pause for the drifted read, then the stable re-read creates
	assert.Equal(t, 1, f.pool.createCalls)
	assert.Contains(t, f.sleeps, f.executor.cfg.BinInstabilityPause)
}

func TestProcessInstabilityPausesDoNotConsumeAttempts(t *testing.T) {
	f := newFixture(t)
	seq := []dlmm.Pool{f.pool.pool}
	// More drifted reads than MaxCreateAttempts before the bin settles
	for _, bin := range []int32{140, 110, 130, 118, 118} {
		moved := f.pool.pool
		moved.ActiveBin = bin
		seq = append(seq, moved)
	}
	f.pool.poolSeq = seq
	f.pool.createResult.ActiveBin = 118

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.Equal(t, 1, f.pool.createCalls)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindSuccess}, f.notifier.kinds)
}

func TestProcessCreateGivesUpWhenBinNeverSettles(t *testing.T) {
	f := newFixture(t)
	seq := []dlmm.Pool{f.pool.pool}
	for i := 0; i < 12; i++ {
		moved := f.pool.pool
		if i%2 == 0 {
			moved.ActiveBin = 0
		} else {
			moved.ActiveBin = 200
		}
		seq = append(seq, moved)
	}
	f.pool.poolSeq = seq

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)

	var crit *CriticalError
	require.ErrorAs(t, err, &crit)
	assert.Contains(t, err.Error(), "failed to stabilize")
	assert.Zero(t, f.pool.createCalls)
	assert.Equal(t, 1, f.ledger.markClosedCalls)
}

func TestProcessCreditsModeInvalidatesBalance(t *testing.T) {
	f := newFixture(t)
	f.gate.decision.Mode = entitlement.ModeCredits
	f.ledger.summary.CreditsUsed = true

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.Equal(t, []string{"LinkedA"}, f.gate.invalidated)
}

func TestProcessCooldownSkips(t *testing.T) {
	f := newFixture(t)
	f.cooldown.Record(f.position.PositionAddress)

	outOfRange, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.True(t, outOfRange)
	assert.Zero(t, f.gate.calls)
	assert.Zero(t, f.pool.closeCalls)
	assert.Empty(t, f.notifier.kinds)
}

func TestProcessEntitlementDenied(t *testing.T) {
	t.Run("no linked wallet", func(t *testing.T) {
		f := newFixture(t)
		f.gate.decision = entitlement.Decision{DenyReason: entitlement.ReasonNoLinkedWallet}

		_, err := f.executor.Process(context.Background(), f.user, f.position)
		require.NoError(t, err)

		assert.Equal(t, []notify.Kind{notify.KindSubscriptionRequired}, f.notifier.kinds)
		assert.Zero(t, f.pool.closeCalls)
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t)
		f.gate.decision = entitlement.Decision{LinkedWallet: "LinkedA", DenyReason: entitlement.ReasonNoSubscription}

		_, err := f.executor.Process(context.Background(), f.user, f.position)
		require.NoError(t, err)

		assert.Equal(t, []notify.Kind{notify.KindNoSubscription}, f.notifier.kinds)
		assert.Zero(t, f.pool.closeCalls)
	})

	t.Run("automation disabled skips silently", func(t *testing.T) {
		f := newFixture(t)
		f.gate.decision = entitlement.Decision{SilentSkip: true}

		_, err := f.executor.Process(context.Background(), f.user, f.position)
		require.NoError(t, err)

		assert.Empty(t, f.notifier.kinds)
		assert.Zero(t, f.pool.closeCalls)
	})

	t.Run("check failure fails closed", func(t *testing.T) {
		f := newFixture(t)
		f.gate.err = errors.New("service unavailable")

		_, err := f.executor.Process(context.Background(), f.user, f.position)
		require.Error(t, err)

		assert.Equal(t, []notify.Kind{notify.KindSubscriptionCheckFailed}, f.notifier.kinds)
		assert.Zero(t, f.pool.closeCalls)
	})
}

func TestProcessVanishedPositionMarksClosed(t *testing.T) {
	f := newFixture(t)
	f.pool.positionErr = dlmm.ErrPositionNotFound

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.Equal(t, 1, f.ledger.markClosedCalls)
	assert.Zero(t, f.pool.closeCalls)
	assert.Empty(t, f.notifier.kinds)
	// The cooldown entry is dropped along with the position
	assert.True(t, f.cooldown.CanReposition(f.position.PositionAddress))
}

func TestProcessCloseFailureIsNotCritical(t *testing.T) {
	f := newFixture(t)
	f.pool.closeErr = errors.New("block height exceeded")

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)

	// Nothing irreversible happened: no close mark, no settle
	assert.Zero(t, f.ledger.markClosedCalls)
	assert.Zero(t, f.ledger.settleCalls)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindError}, f.notifier.kinds)
	// The failed attempt still consumed the cooldown
	assert.False(t, f.cooldown.CanReposition(f.position.PositionAddress))
}

func TestProcessCreateFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.pool.createErrs = []error{errors.New("custom program error: 0x1771")}

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)

	var crit *CriticalError
	require.ErrorAs(t, err, &crit)
	assert.Equal(t, "create new position", crit.Stage)

	// The close is marked exactly once and the user told exactly once
	assert.Equal(t, 1, f.ledger.markClosedCalls)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindError}, f.notifier.kinds)
	assert.Contains(t, f.notifier.texts[1], "critical")
	assert.Zero(t, f.ledger.settleCalls)
	assert.Equal(t, 1, f.pool.createCalls)
}

func TestProcessCreateRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.pool.createErrs = []error{
		errors.New("slippage tolerance exceeded"),
		errors.New("blockhash not found"),
		nil,
	}

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.Equal(t, 3, f.pool.createCalls)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindSuccess}, f.notifier.kinds)
}

func TestProcessCreateRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.pool.createErrs = []error{
		errors.New("slippage tolerance exceeded"),
		errors.New("slippage tolerance exceeded"),
		errors.New("slippage tolerance exceeded"),
	}

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)

	var crit *CriticalError
	require.ErrorAs(t, err, &crit)
	assert.Equal(t, 3, f.pool.createCalls)
	assert.Equal(t, 1, f.ledger.markClosedCalls)
}

func TestProcessEmptyNewPositionIsCritical(t *testing.T) {
	f := newFixture(t)
	f.pool.newPosition.BinLiquidity = nil

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyPosition)

	// Both rows are still persisted so the operator can reconcile
	assert.Equal(t, 1, f.ledger.settleCalls)
	assert.Equal(t, []bool{false}, f.ledger.settleSuccess)
	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindError}, f.notifier.kinds)
}

func TestProcessSettleFailureAfterChainSuccess(t *testing.T) {
	f := newFixture(t)
	f.ledger.settleErr = errors.New("database connection lost")

	// Chain state cannot be rolled back, so the cycle ends without error
	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.NoError(t, err)

	assert.Equal(t, []notify.Kind{notify.KindStarting, notify.KindError}, f.notifier.kinds)
}

func TestProcessBalanceReadFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.pool.balancesErr = errors.New("rpc unavailable")

	_, err := f.executor.Process(context.Background(), f.user, f.position)
	require.Error(t, err)

	var crit *CriticalError
	require.ErrorAs(t, err, &crit)
	assert.Equal(t, "post-close balance read", crit.Stage)
	assert.Equal(t, 1, f.ledger.markClosedCalls)
	assert.Zero(t, f.pool.createCalls)
}
