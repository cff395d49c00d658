// Package repository implements the remote balance ledger on DynamoDB and,
// for single-node deployments, on SQLite.
package repository

import (
	"context"
	"errors"
	"strings"

	"callmeter/internal/domain"
)

// Ledger is the full set of balance operations both backends provide.
type Ledger interface {
	ReadBalance(ctx context.Context, account string) (int64, error)
	Charge(ctx context.Context, req domain.ChargeRequest) error
	TopUp(ctx context.Context, req domain.TopUpRequest) error
	OpenAccount(ctx context.Context, account string) error
}

var (
	_ Ledger = (*DynamoLedger)(nil)
	_ Ledger = (*SQLiteLedger)(nil)
)

func validateCharge(req domain.ChargeRequest) error {
	switch {
	case strings.TrimSpace(req.Account) == "":
		return errors.New("account is required")
	case strings.TrimSpace(req.Reference) == "":
		return errors.New("reference is required")
	case req.Amount <= 0:
		return errors.New("amount must be positive")
	}
	return nil
}

func validateTopUp(req domain.TopUpRequest) error {
	switch {
	case strings.TrimSpace(req.Account) == "":
		return errors.New("account is required")
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return errors.New("idempotency key is required")
	case req.Amount <= 0:
		return errors.New("amount must be positive")
	}
	return nil
}
