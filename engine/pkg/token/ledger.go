// Package token implements the in-memory multi-asset balance ledger that
// every engine component settles against. Each component (auction lot,
// reward buffer, stream pot, allocator pot, treasury) is just a ledger
// account, so value can never be created or destroyed by accounting code,
// only minted, burned or moved.
package token

import (
	"errors"
	"fmt"
	"math/big"
)

// Asset identifies a fungible asset tracked by the ledger.
type Asset string

// Account identifies a balance holder. Component accounts use a
// "component:id" convention but the ledger does not care.
type Account string

var (
	// ErrInsufficientBalance is returned when a transfer or burn exceeds
	// the holder's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNonPositiveAmount is returned when an operation is given a zero
	// or negative amount.
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Ledger tracks per-asset, per-account balances. It is not safe for
// concurrent use; the engine serializes all access behind its own lock.
type Ledger struct {
	balances map[Asset]map[Account]*big.Int
	supply   map[Asset]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[Asset]map[Account]*big.Int),
		supply:   make(map[Asset]*big.Int),
	}
}

// BalanceOf returns a copy of the account's balance, zero if absent.
func (l *Ledger) BalanceOf(asset Asset, acct Account) *big.Int {
	if bals, ok := l.balances[asset]; ok {
		if b, ok := bals[acct]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the asset's total minted supply.
func (l *Ledger) TotalSupply(asset Asset) *big.Int {
	if s, ok := l.supply[asset]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Mint credits amount to the account, growing the asset supply.
func (l *Ledger) Mint(asset Asset, acct Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint %s to %s: %w", asset, acct, ErrNonPositiveAmount)
	}
	l.credit(asset, acct, amount)
	supply, ok := l.supply[asset]
	if !ok {
		supply = new(big.Int)
		l.supply[asset] = supply
	}
	supply.Add(supply, amount)
	return nil
}

// Burn debits amount from the account, shrinking the asset supply.
func (l *Ledger) Burn(asset Asset, acct Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("burn %s from %s: %w", asset, acct, ErrNonPositiveAmount)
	}
	if err := l.debit(asset, acct, amount); err != nil {
		return err
	}
	l.supply[asset].Sub(l.supply[asset], amount)
	return nil
}

// Transfer moves amount between two accounts of the same asset.
func (l *Ledger) Transfer(asset Asset, from, to Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer %s from %s to %s: %w", asset, from, to, ErrNonPositiveAmount)
	}
	if err := l.debit(asset, from, amount); err != nil {
		return err
	}
	l.credit(asset, to, amount)
	return nil
}

func (l *Ledger) credit(asset Asset, acct Account, amount *big.Int) {
	bals, ok := l.balances[asset]
	if !ok {
		bals = make(map[Account]*big.Int)
		l.balances[asset] = bals
	}
	b, ok := bals[acct]
	if !ok {
		b = new(big.Int)
		bals[acct] = b
	}
	b.Add(b, amount)
}

func (l *Ledger) debit(asset Asset, acct Account, amount *big.Int) error {
	bals, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("debit %s from %s: %w", asset, acct, ErrInsufficientBalance)
	}
	b, ok := bals[acct]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("debit %s from %s: %w", asset, acct, ErrInsufficientBalance)
	}
	b.Sub(b, amount)
	return nil
}
