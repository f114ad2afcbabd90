// In-memory transaction ledger: create, void, get, list and balance
// Ids are assigned from 1 in creation order; records are never deleted
package bank

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Domain errors returned to clients.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNotFound      = errors.New("transaction not found")
	ErrAlreadyVoided = errors.New("transaction already voided")
)

// Status is the lifecycle state of a transaction. Voided is terminal.
type Status string

// Transaction statuses.
const (
	StatusActive Status = "ACTIVE"
	StatusVoided Status = "VOIDED"
)

// Transaction is a single ledger record.
type Transaction struct {
	ID        int64
	Amount    decimal.Decimal
	Status    Status
	CreatedAt time.Time
	// Reference is the optional client-supplied idempotency key.
	Reference string
}

// Ledger holds transactions in creation order. It is not safe for concurrent use;
// the server serializes access.
type Ledger struct {
	now    func() time.Time
	nextID int64
	byID   map[int64]int
	byRef  map[string]int
	txs    []Transaction
}

// NewLedger returns an empty ledger stamping records with now.
func NewLedger(now func() time.Time) *Ledger {
	return &Ledger{
		now:    now,
		nextID: 1,
		byID:   make(map[int64]int),
		byRef:  make(map[string]int),
	}
}

// ParseAmount parses a decimal amount, rejecting empty and malformed input.
func ParseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// Create records a new active transaction. A repeated reference returns the
// existing record unchanged, with created reporting false.
func (l *Ledger) Create(amount decimal.Decimal, reference string) (tx Transaction, created bool, err error) {
	if !amount.IsPositive() {
		return Transaction{}, false, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if reference != "" {
		if i, ok := l.byRef[reference]; ok {
			return l.txs[i], false, nil
		}
	}
	tx = Transaction{
		ID:        l.nextID,
		Amount:    amount,
		Status:    StatusActive,
		CreatedAt: l.now(),
		Reference: reference,
	}
	l.nextID++
	l.byID[tx.ID] = len(l.txs)
	if reference != "" {
		l.byRef[reference] = len(l.txs)
	}
	l.txs = append(l.txs, tx)
	return tx, true, nil
}

// Void marks an active transaction as voided.
func (l *Ledger) Void(id int64) (Transaction, error) {
	i, ok := l.byID[id]
	if !ok {
		return Transaction{}, fmt.Errorf("void %d: %w", id, ErrNotFound)
	}
	if l.txs[i].Status == StatusVoided {
		return Transaction{}, fmt.Errorf("void %d: %w", id, ErrAlreadyVoided)
	}
	l.txs[i].Status = StatusVoided
	return l.txs[i], nil
}

// Get returns the transaction with the given id.
func (l *Ledger) Get(id int64) (Transaction, error) {
	i, ok := l.byID[id]
	if !ok {
		return Transaction{}, fmt.Errorf("get %d: %w", id, ErrNotFound)
	}
	return l.txs[i], nil
}

// List returns a copy of every transaction in creation order.
func (l *Ledger) List() []Transaction {
	return append([]Transaction(nil), l.txs...)
}

// Balance sums the amounts of active transactions.
func (l *Ledger) Balance() decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range l.txs {
		if tx.Status == StatusActive {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

// Len returns the number of transactions ever created.
func (l *Ledger) Len() int { return len(l.txs) }
