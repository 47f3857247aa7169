package dlmm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the DLMM liquidity book program.
var ProgramID = solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo")

// Sentinel errors surfaced at the adapter boundary.
var (
	ErrPositionNotFound    = errors.New("position account not found")
	ErrPoolNotFound        = errors.New("pool account not found")
	ErrBlockheightExceeded = errors.New("block height exceeded before confirmation")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
)

// maxBinsPerPosition is the fixed bin capacity of a position account.
const maxBinsPerPosition = 70

// Pool describes the on-chain state of a DLMM pair needed by the engine.
type Pool struct {
	Address    solana.PublicKey
	TokenXMint solana.PublicKey
	TokenYMint solana.PublicKey
	ReserveX   solana.PublicKey
	ReserveY   solana.PublicKey
	BinStep    uint16
	ActiveBin  int32
	DecimalsX  uint8
	DecimalsY  uint8
}

// PricePerToken returns the pool price (Y per X, UI units) at the active bin.
func (p Pool) PricePerToken() float64 {
	return p.PriceAtBin(p.ActiveBin)
}

// PriceAtBin returns the pool price (Y per X, UI units) at the given bin.
// Entry and exit prices must both come through here so they share units.
func (p Pool) PriceAtBin(binID int32) float64 {
	return BinPrice(binID, p.BinStep) * math.Pow(10, float64(p.DecimalsX)-float64(p.DecimalsY))
}

// BinPrice returns the raw price of the given bin id: (1 + binStep/10000)^binID.
func BinPrice(binID int32, binStep uint16) float64 {
	return math.Pow(1+float64(binStep)/10000, float64(binID))
}

// PositionState is the decoded on-chain state of a position account.
type PositionState struct {
	Address    solana.PublicKey
	Pool       solana.PublicKey
	Owner      solana.PublicKey
	LowerBinID int32
	UpperBinID int32
	// BinLiquidity holds the per-bin liquidity shares, lowest bin first.
	BinLiquidity []uint64
}

// TotalLiquidity returns the aggregate liquidity across all bins. A freshly
// created position with zero aggregate liquidity is a critical condition.
func (s PositionState) TotalLiquidity() uint64 {
	var total uint64
	for _, l := range s.BinLiquidity {
		total += l
	}
	return total
}

// Balances is a snapshot of a wallet's spendable funds for one pool.
type Balances struct {
	Lamports uint64
	TokenX   float64 // UI amount
	TokenY   float64 // UI amount
}

// CloseResult reports the outcome of a confirmed remove-and-close transaction.
type CloseResult struct {
	Signature   solana.Signature
	ActiveBin   int32
	ReturnedX   float64
	ReturnedY   float64
	FeeLamports uint64
}

// CreateResult reports the outcome of a confirmed add-liquidity transaction.
type CreateResult struct {
	Signature       solana.Signature
	PositionAddress solana.PublicKey
	LowerBinID      int32
	UpperBinID      int32
	DepositedX      float64
	DepositedY      float64
	ActiveBin       int32
	FeeLamports     uint64
}

// Account data layout offsets. Layout: 8-byte anchor discriminator, then the
// fields below at fixed offsets.
const (
	poolTokenXMintOffset = 8
	poolTokenYMintOffset = 40
	poolReserveXOffset   = 72
	poolReserveYOffset   = 104
	poolBinStepOffset    = 136
	poolActiveBinOffset  = 138
	poolDataMinLen       = 142

	positionPoolOffset      = 8
	positionOwnerOffset     = 40
	positionLiquidityOffset = 72
	positionLowerBinOffset  = positionLiquidityOffset + maxBinsPerPosition*8
	positionUpperBinOffset  = positionLowerBinOffset + 4
	positionDataMinLen      = positionUpperBinOffset + 4
)

func decodePool(address solana.PublicKey, data []byte) (Pool, error) {
	if len(data) < poolDataMinLen {
		return Pool{}, fmt.Errorf("pool account %s: data too short (%d bytes)", address, len(data))
	}

	pool := Pool{
		Address:    address,
		TokenXMint: solana.PublicKeyFromBytes(data[poolTokenXMintOffset : poolTokenXMintOffset+32]),
		TokenYMint: solana.PublicKeyFromBytes(data[poolTokenYMintOffset : poolTokenYMintOffset+32]),
		ReserveX:   solana.PublicKeyFromBytes(data[poolReserveXOffset : poolReserveXOffset+32]),
		ReserveY:   solana.PublicKeyFromBytes(data[poolReserveYOffset : poolReserveYOffset+32]),
		BinStep:    binary.LittleEndian.Uint16(data[poolBinStepOffset : poolBinStepOffset+2]),
		ActiveBin:  int32(binary.LittleEndian.Uint32(data[poolActiveBinOffset : poolActiveBinOffset+4])),
	}
	return pool, nil
}

func decodePosition(address solana.PublicKey, data []byte) (PositionState, error) {
	if len(data) < positionDataMinLen {
		return PositionState{}, fmt.Errorf("position account %s: data too short (%d bytes)", address, len(data))
	}

	state := PositionState{
		Address:      address,
		Pool:         solana.PublicKeyFromBytes(data[positionPoolOffset : positionPoolOffset+32]),
		Owner:        solana.PublicKeyFromBytes(data[positionOwnerOffset : positionOwnerOffset+32]),
		LowerBinID:   int32(binary.LittleEndian.Uint32(data[positionLowerBinOffset : positionLowerBinOffset+4])),
		UpperBinID:   int32(binary.LittleEndian.Uint32(data[positionUpperBinOffset : positionUpperBinOffset+4])),
		BinLiquidity: make([]uint64, maxBinsPerPosition),
	}
	for i := 0; i < maxBinsPerPosition; i++ {
		off := positionLiquidityOffset + i*8
		state.BinLiquidity[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}
	return state, nil
}
