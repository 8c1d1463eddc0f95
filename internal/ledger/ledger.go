package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientCredits is returned when a reservation exceeds the user's
// balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger tracks per-user download credits. Reservations are taken before any
// provider work begins and refunded when the work fails through no fault of
// the user.
type Ledger interface {
	// Reserve deducts amount from the user's balance, failing without any
	// partial deduction when the balance is too low.
	Reserve(userID int64, amount int64) error

	// Refund returns previously reserved credits to the user.
	Refund(userID int64, amount int64)

	// Balance reports the user's current credit balance.
	Balance(userID int64) int64
}

// Memory is an in-process ledger. Balances start at zero; Grant seeds them.
type Memory struct {
	mu       sync.Mutex
	balances map[int64]int64
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[int64]int64)}
}

// Grant adds credits to a user's balance.
func (m *Memory) Grant(userID int64, amount int64) {
	if amount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
}

// Reserve deducts amount atomically or not at all.
func (m *Memory) Reserve(userID int64, amount int64) error {
	if amount <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[userID]
	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, balance, amount)
	}
	m.balances[userID] = balance - amount
	return nil
}

// Refund returns credits to the user.
func (m *Memory) Refund(userID int64, amount int64) {
	if amount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
}

// Balance reports the user's current balance.
func (m *Memory) Balance(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

var _ Ledger = (*Memory)(nil)
