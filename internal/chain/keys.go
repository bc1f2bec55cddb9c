package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyResolver returns the signing key of a wallet the service has custody of.
type KeyResolver interface {
	PrivateKey(ctx context.Context, wallet string) (*ecdsa.PrivateKey, error)
}

// KeyLookup fetches a hex encoded key, typically from the user table.
type KeyLookup func(ctx context.Context, wallet string) (string, error)

// Keyring resolves keys from a static set first and then from a lookup.
// Parsed keys are cached by address.
type Keyring struct {
	lookup KeyLookup

	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewKeyring(lookup KeyLookup) *Keyring {
	return &Keyring{lookup: lookup, keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Add registers a hex encoded key and returns its address.
func (k *Keyring) Add(hexKey string) (common.Address, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

func (k *Keyring) PrivateKey(ctx context.Context, wallet string) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("invalid address: %s", wallet)
	}
	addr := common.HexToAddress(wallet)

	k.mu.RLock()
	key, ok := k.keys[addr]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if k.lookup == nil {
		return nil, fmt.Errorf("no key for %s", addr.Hex())
	}

	hexKey, err := k.lookup(ctx, addr.Hex())
	if err != nil {
		return nil, err
	}
	key, err = ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return key, nil
}

// ParseKey decodes a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
