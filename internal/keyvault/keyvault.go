// Package keyvault loads wallet signing keys from an encrypted-at-rest
// keystore file. Keys are read per operation and never cached, so a signing
// secret stays in memory no longer than the transaction that needs it.
package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
)

// Vault resolves wallet addresses to signing keys.
type Vault struct {
	path string
}

// New creates a vault over the keystore file at path.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Addresses returns every wallet address present in the keystore. Only the
// map keys are retained; key material is discarded immediately.
func (v *Vault) Addresses(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}

	addresses := make([]string, 0, len(keys))
	for wallet := range keys {
		addresses = append(addresses, wallet)
	}
	return addresses, nil
}

// PrivateKey loads the signing key for the given wallet address. The key
// material is re-read from disk on every call.
func (v *Vault) PrivateKey(_ context.Context, wallet string) (solana.PrivateKey, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}

	encoded, ok := keys[wallet]
	if !ok {
		return nil, fmt.Errorf("no signing key for wallet %s", wallet)
	}

	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key for wallet %s: %w", wallet, err)
	}
	if key.PublicKey().String() != wallet {
		return nil, fmt.Errorf("signing key for wallet %s does not match its address", wallet)
	}
	return key, nil
}
