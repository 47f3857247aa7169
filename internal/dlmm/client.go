package dlmm

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/metrics"
)

// Client wraps the on-chain liquidity pool: price and position reads, balance
// reads, and the close/create transaction pair. All loosely-typed RPC results
// are converted into the boundary types in this package.
type Client struct {
	endpoints  *endpointPool
	commitment rpc.CommitmentType
	logger     zerolog.Logger
}

// NewClient creates a new DLMM client and verifies connectivity.
func NewClient(endpoints []string, logger zerolog.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	c := &Client{
		endpoints:  newEndpointPool(endpoints, logger),
		commitment: rpc.CommitmentConfirmed,
		logger:     logger.With().Str("component", "dlmm").Logger(),
	}

	// Check connection by getting the latest block height
	ctx := context.Background()
	if err := c.withClient(ctx, func(rc *rpc.Client) error {
		_, err := rc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to Solana RPC: %w", err)
	}

	return c, nil
}

// withClient runs fn against the next healthy endpoint and records the result.
func (c *Client) withClient(ctx context.Context, fn func(*rpc.Client) error) error {
	client, url, err := c.endpoints.next(ctx)
	if err != nil {
		return err
	}

	if err := fn(client); err != nil {
		// Not-found responses are valid answers, not endpoint failures
		if !isNotFound(err) {
			c.endpoints.markFailed(url)
			metrics.RecordRPCRequest("failed")
			return err
		}
		metrics.RecordRPCRequest("success")
		return err
	}

	c.endpoints.markHealthy(url)
	metrics.RecordRPCRequest("success")
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// GetPool reads and decodes the pool account, including token mint decimals.
func (c *Client) GetPool(ctx context.Context, address solana.PublicKey) (Pool, error) {
	var pool Pool
	err := c.withClient(ctx, func(rc *rpc.Client) error {
		res, err := rc.GetAccountInfo(ctx, address)
		if err != nil {
			return err
		}
		if res.Value == nil {
			return ErrPoolNotFound
		}
		pool, err = decodePool(address, res.Value.Data.GetBinary())
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return Pool{}, ErrPoolNotFound
		}
		return Pool{}, fmt.Errorf("failed to read pool %s: %w", address, err)
	}

	// Reserve accounts carry the mint decimals we need for UI conversion
	if err := c.withClient(ctx, func(rc *rpc.Client) error {
		resX, err := rc.GetTokenAccountBalance(ctx, pool.ReserveX, c.commitment)
		if err != nil {
			return err
		}
		resY, err := rc.GetTokenAccountBalance(ctx, pool.ReserveY, c.commitment)
		if err != nil {
			return err
		}
		pool.DecimalsX = resX.Value.Decimals
		pool.DecimalsY = resY.Value.Decimals
		return nil
	}); err != nil {
		return Pool{}, fmt.Errorf("failed to read pool reserves for %s: %w", address, err)
	}

	return pool, nil
}

// GetActiveBin returns the pool's current active bin id.
func (c *Client) GetActiveBin(ctx context.Context, address solana.PublicKey) (int32, error) {
	var active int32
	err := c.withClient(ctx, func(rc *rpc.Client) error {
		res, err := rc.GetAccountInfo(ctx, address)
		if err != nil {
			return err
		}
		if res.Value == nil {
			return ErrPoolNotFound
		}
		pool, err := decodePool(address, res.Value.Data.GetBinary())
		if err != nil {
			return err
		}
		active = pool.ActiveBin
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrPoolNotFound
		}
		return 0, fmt.Errorf("failed to read active bin for %s: %w", address, err)
	}
	return active, nil
}

// GetPosition reads and decodes a position account. Returns
// ErrPositionNotFound when the account has been closed on chain.
func (c *Client) GetPosition(ctx context.Context, address solana.PublicKey) (PositionState, error) {
	var state PositionState
	err := c.withClient(ctx, func(rc *rpc.Client) error {
		res, err := rc.GetAccountInfo(ctx, address)
		if err != nil {
			return err
		}
		if res.Value == nil || len(res.Value.Data.GetBinary()) == 0 {
			return ErrPositionNotFound
		}
		state, err = decodePosition(address, res.Value.Data.GetBinary())
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return PositionState{}, ErrPositionNotFound
		}
		return PositionState{}, fmt.Errorf("failed to read position %s: %w", address, err)
	}
	return state, nil
}

// GetBalances reads the wallet's native balance and its token balances for
// the pool's two mints. Missing token accounts count as zero.
func (c *Client) GetBalances(ctx context.Context, owner solana.PublicKey, pool Pool) (Balances, error) {
	var balances Balances
	err := c.withClient(ctx, func(rc *rpc.Client) error {
		res, err := rc.GetBalance(ctx, owner, c.commitment)
		if err != nil {
			return err
		}
		balances.Lamports = res.Value
		return nil
	})
	if err != nil {
		return Balances{}, fmt.Errorf("failed to read native balance for %s: %w", owner, err)
	}

	balances.TokenX, err = c.tokenBalance(ctx, owner, pool.TokenXMint)
	if err != nil {
		return Balances{}, err
	}
	balances.TokenY, err = c.tokenBalance(ctx, owner, pool.TokenYMint)
	if err != nil {
		return Balances{}, err
	}
	return balances, nil
}

func (c *Client) tokenBalance(ctx context.Context, owner, mint solana.PublicKey) (float64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account for mint %s: %w", mint, err)
	}

	var amount float64
	err = c.withClient(ctx, func(rc *rpc.Client) error {
		res, err := rc.GetTokenAccountBalance(ctx, ata, c.commitment)
		if err != nil {
			return err
		}
		if res.Value != nil && res.Value.UiAmount != nil {
			amount = *res.Value.UiAmount
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil // no token account yet
		}
		return 0, fmt.Errorf("failed to read token balance for mint %s: %w", mint, err)
	}
	return amount, nil
}
