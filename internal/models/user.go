package models

import "time"

// User is an account holding a token balance for generation billing.
type User struct {
	ID           string
	Username     string
	TokenBalance int
	IsAdmin      bool
	CreatedAt    time.Time
}

// TokenTransaction is an audit record for a single balance mutation.
// Amount is negative for deductions and positive for refunds and top-ups.
type TokenTransaction struct {
	ID           string
	UserID       string
	Amount       int
	Type         string
	ReferenceID  string
	BalanceAfter int
	CreatedAt    time.Time
}

// FileBlob stores uploaded or downloaded file bytes in the database
// storage backend.
type FileBlob struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
	CreatedAt   time.Time
}
