// Package tokens implements the generation token ledger. Every paid
// generation deducts tokens up front; failed generations are refunded
// with a matching audit record.
package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/store"
)

// Generation cost in tokens per transaction type.
const (
	CostImageGeneration = 1
	CostVideoGeneration = 2
)

// Transaction types recorded in the audit trail. Refunds append a
// "_refund" suffix to the original type so the ledger stays traceable.
const (
	TypeImageGeneration = "image_generation"
	TypeVideoGeneration = "video_generation"
	TypeGrant           = "grant"

	refundSuffix = "_refund"
)

// InsufficientTokensError is returned when a deduction would drive the
// balance below zero.
type InsufficientTokensError struct {
	Required  int
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: need %d, have %d", e.Required, e.Available)
}

// CostFor returns the token cost for a transaction type, or an error
// for unknown types.
func CostFor(txType string) (int, error) {
	switch txType {
	case TypeImageGeneration:
		return CostImageGeneration, nil
	case TypeVideoGeneration:
		return CostVideoGeneration, nil
	default:
		return 0, fmt.Errorf("unknown transaction type: %s", txType)
	}
}

// Ledger charges and refunds generation tokens against the store.
type Ledger struct {
	store store.Store
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Deduct charges the cost of txType against the user's balance,
// recording an audit row referencing the generation task. Returns
// *InsufficientTokensError when the balance cannot cover the cost.
func (l *Ledger) Deduct(ctx context.Context, userID, txType, referenceID string) (*models.TokenTransaction, error) {
	cost, err := CostFor(txType)
	if err != nil {
		return nil, err
	}

	record, err := l.store.AdjustTokenBalance(ctx, userID, -cost, txType, referenceID)
	if err != nil {
		if strings.Contains(err.Error(), "insufficient balance") {
			user, uerr := l.store.GetUser(ctx, userID)
			available := 0
			if uerr == nil {
				available = user.TokenBalance
			}
			return nil, &InsufficientTokensError{Required: cost, Available: available}
		}
		return nil, err
	}
	return record, nil
}

// Refund returns the cost of txType to the user after a failed
// generation. The audit row carries the original type with a
// "_refund" suffix and the same reference ID as the deduction.
func (l *Ledger) Refund(ctx context.Context, userID, txType, referenceID string) (*models.TokenTransaction, error) {
	cost, err := CostFor(txType)
	if err != nil {
		return nil, err
	}
	return l.store.AdjustTokenBalance(ctx, userID, cost, txType+refundSuffix, referenceID)
}

// Grant adds tokens to a user's balance (admin top-up).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int) (*models.TokenTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	return l.store.AdjustTokenBalance(ctx, userID, amount, TypeGrant, "")
}

// Transactions returns the user's most recent transactions, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*models.TokenTransaction, error) {
	return l.store.ListTokenTransactions(ctx, userID, limit)
}

// Balance returns the user's current token balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.TokenBalance, nil
}
