package dlmm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/wnt/rebalancer/internal/metrics"
)

// Anchor instruction discriminators for the liquidity book program.
var (
	ixInitializePosition     = []byte{0xdb, 0xc0, 0xea, 0x47, 0xbe, 0xbf, 0x66, 0x50}
	ixAddLiquidityByStrategy = []byte{0x07, 0x03, 0x96, 0x7f, 0x94, 0x28, 0x3d, 0xc8}
	ixRemoveAllLiquidity     = []byte{0x0a, 0x33, 0x3d, 0x23, 0x70, 0x69, 0x18, 0x55}
	ixClaimFee               = []byte{0xa9, 0x20, 0x4f, 0x89, 0x88, 0xe8, 0x46, 0x89}
	ixClosePosition          = []byte{0x7b, 0x86, 0x51, 0x00, 0x31, 0x44, 0x62, 0x62}
)

const confirmPollInterval = 2 * time.Second

// resendEvery controls how many confirmation polls pass between resends of
// the raw transaction.
const resendEvery = 3

// RemoveLiquidityAndClose removes 100% of the position's liquidity, claims
// accrued fees and closes the position account in one transaction, then
// confirms it. Returned amounts are measured as wallet token-balance deltas
// around the transaction; FeeLamports is a balance-delta estimate only.
func (c *Client) RemoveLiquidityAndClose(ctx context.Context, signer solana.PrivateKey, pool Pool, position PositionState) (CloseResult, error) {
	owner := signer.PublicKey()

	before, err := c.GetBalances(ctx, owner, pool)
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to read pre-close balances: %w", err)
	}

	userX, _, err := solana.FindAssociatedTokenAddress(owner, pool.TokenXMint)
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to derive token X account: %w", err)
	}
	userY, _, err := solana.FindAssociatedTokenAddress(owner, pool.TokenYMint)
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to derive token Y account: %w", err)
	}

	liquidityAccounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position.Address, true, false),
		solana.NewAccountMeta(pool.Address, true, false),
		solana.NewAccountMeta(pool.ReserveX, true, false),
		solana.NewAccountMeta(pool.ReserveY, true, false),
		solana.NewAccountMeta(userX, true, false),
		solana.NewAccountMeta(userY, true, false),
		solana.NewAccountMeta(pool.TokenXMint, false, false),
		solana.NewAccountMeta(pool.TokenYMint, false, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	closeAccounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position.Address, true, false),
		solana.NewAccountMeta(pool.Address, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(owner, true, false), // rent refund
	}

	instructions := []solana.Instruction{
		solana.NewInstruction(ProgramID, liquidityAccounts, ixRemoveAllLiquidity),
		solana.NewInstruction(ProgramID, liquidityAccounts, ixClaimFee),
		solana.NewInstruction(ProgramID, closeAccounts, ixClosePosition),
	}

	sig, err := c.submitAndConfirm(ctx, signer, nil, instructions)
	if err != nil {
		return CloseResult{}, err
	}

	after, err := c.GetBalances(ctx, owner, pool)
	if err != nil {
		return CloseResult{}, fmt.Errorf("position close confirmed but post-close balance read failed: %w", err)
	}

	result := CloseResult{
		Signature: sig,
		ActiveBin: pool.ActiveBin,
		ReturnedX: math.Max(0, after.TokenX-before.TokenX),
		ReturnedY: math.Max(0, after.TokenY-before.TokenY),
	}
	// Lamports can rise here (rent refund) or fall (fees); clamp to a
	// non-negative estimate either way since unrelated wallet activity may
	// land between the two reads.
	if before.Lamports > after.Lamports {
		result.FeeLamports = before.Lamports - after.Lamports
	}
	return result, nil
}

// AddLiquidity creates a new position account spanning [lowerBin, upperBin]
// and deposits the given UI amounts, then confirms the transaction.
func (c *Client) AddLiquidity(ctx context.Context, signer solana.PrivateKey, pool Pool, lowerBin, upperBin int32, amountX, amountY float64, slippageBps int) (CreateResult, error) {
	owner := signer.PublicKey()
	positionKey := solana.NewWallet()

	userX, _, err := solana.FindAssociatedTokenAddress(owner, pool.TokenXMint)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to derive token X account: %w", err)
	}
	userY, _, err := solana.FindAssociatedTokenAddress(owner, pool.TokenYMint)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to derive token Y account: %w", err)
	}

	width := upperBin - lowerBin + 1
	initData := make([]byte, 0, 16)
	initData = append(initData, ixInitializePosition...)
	initData = binary.LittleEndian.AppendUint32(initData, uint32(lowerBin))
	initData = binary.LittleEndian.AppendUint32(initData, uint32(width))

	initAccounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(positionKey.PublicKey(), true, true),
		solana.NewAccountMeta(pool.Address, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}

	rawX := uint64(amountX * math.Pow(10, float64(pool.DecimalsX)))
	rawY := uint64(amountY * math.Pow(10, float64(pool.DecimalsY)))

	addData := make([]byte, 0, 32)
	addData = append(addData, ixAddLiquidityByStrategy...)
	addData = binary.LittleEndian.AppendUint64(addData, rawX)
	addData = binary.LittleEndian.AppendUint64(addData, rawY)
	addData = binary.LittleEndian.AppendUint32(addData, uint32(pool.ActiveBin))
	addData = binary.LittleEndian.AppendUint32(addData, uint32(slippageBps))

	addAccounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(positionKey.PublicKey(), true, false),
		solana.NewAccountMeta(pool.Address, true, false),
		solana.NewAccountMeta(pool.ReserveX, true, false),
		solana.NewAccountMeta(pool.ReserveY, true, false),
		solana.NewAccountMeta(userX, true, false),
		solana.NewAccountMeta(userY, true, false),
		solana.NewAccountMeta(pool.TokenXMint, false, false),
		solana.NewAccountMeta(pool.TokenYMint, false, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	instructions := []solana.Instruction{
		solana.NewInstruction(ProgramID, initAccounts, initData),
		solana.NewInstruction(ProgramID, addAccounts, addData),
	}

	sig, err := c.submitAndConfirm(ctx, signer, positionKey.PrivateKey, instructions)
	if err != nil {
		return CreateResult{}, err
	}

	return CreateResult{
		Signature:       sig,
		PositionAddress: positionKey.PublicKey(),
		LowerBinID:      lowerBin,
		UpperBinID:      upperBin,
		DepositedX:      amountX,
		DepositedY:      amountY,
		ActiveBin:       pool.ActiveBin,
	}, nil
}

// submitAndConfirm builds, signs, sends and confirms a transaction against a
// single endpoint, resending periodically until the block-height ceiling.
func (c *Client) submitAndConfirm(ctx context.Context, signer solana.PrivateKey, extraSigner solana.PrivateKey, instructions []solana.Instruction) (solana.Signature, error) {
	client, url, err := c.endpoints.next(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		c.endpoints.markFailed(url)
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		if extraSigner != nil && key.Equals(extraSigner.PublicKey()) {
			return &extraSigner
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	}
	sig, err := client.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		metrics.RecordRPCRequest("failed")
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	metrics.RecordRPCRequest("success")

	if err := c.confirm(ctx, client, tx, sig, recent.Value.LastValidBlockHeight); err != nil {
		return sig, err
	}
	c.endpoints.markHealthy(url)
	return sig, nil
}

// confirm polls the signature status until the transaction is confirmed,
// failed, or the block-height ceiling passes. The transaction is resent on a
// fixed cadence while unconfirmed; resends of an already-landed transaction
// are harmless since the signature is unchanged.
func (c *Client) confirm(ctx context.Context, client *rpc.Client, tx *solana.Transaction, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		polls++

		res, err := client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		height, err := client.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
		if err == nil && height > lastValidBlockHeight {
			return ErrBlockheightExceeded
		}

		if polls%resendEvery == 0 {
			opts := rpc.TransactionOpts{
				SkipPreflight:       true,
				PreflightCommitment: rpc.CommitmentConfirmed,
			}
			if _, err := client.SendTransactionWithOpts(ctx, tx, opts); err != nil {
				if !strings.Contains(err.Error(), "already processed") {
					c.logger.Debug().Err(err).Str("signature", sig.String()).Msg("transaction resend failed")
				}
			}
		}
	}
}
