// Package custody defines the boundary with the deposit-token ledger that
// moves value in and out of the engine. The engine treats it as opaque:
// TransferIn must fail the whole operation on insufficient balance, and
// TransferOut either succeeds fully or fails the whole operation, never
// partially.
package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// source balance.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
)

// Ledger is the value-custody collaborator.
type Ledger interface {
	// TransferIn moves amount from a user into the engine's vault.
	TransferIn(ctx context.Context, from string, amount *uint256.Int) error

	// TransferOut moves amount from the engine's vault to a user.
	TransferOut(ctx context.Context, to string, amount *uint256.Int) error
}

// Bank is an in-memory Ledger for testing and single-node development.
// The vault holds deposited value plus an operating float: claim payouts
// include refund obligations on top of the deposit pot, so the vault must
// be capitalized beyond raw deposits.
type Bank struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	vault    *uint256.Int
}

// NewBank creates a bank whose vault is seeded with the given operating
// float (may be zero for deposit-only scenarios).
func NewBank(operatingFloat *uint256.Int) *Bank {
	return &Bank{
		balances: make(map[string]*uint256.Int),
		vault:    operatingFloat.Clone(),
	}
}

// Fund credits a user balance directly. Test/bootstrap helper.
func (b *Bank) Fund(addr string, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
}

func (b *Bank) credit(addr string, amount *uint256.Int) {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(uint256.Int)
		b.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns a user's balance (zero if unknown).
func (b *Bank) Balance(addr string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Vault returns the engine vault balance.
func (b *Bank) Vault() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vault.Clone()
}

func (b *Bank) TransferIn(_ context.Context, from string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.balances[from]
	if !ok || bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	b.vault.Add(b.vault, amount)
	return nil
}

func (b *Bank) TransferOut(_ context.Context, to string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.vault.Lt(amount) {
		return ErrInsufficientBalance
	}
	b.vault.Sub(b.vault, amount)
	b.credit(to, amount)
	return nil
}
