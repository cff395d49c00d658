package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"callmeter/internal/domain"
	"callmeter/internal/metrics"
)

const (
	defaultMaxTopUp  = 100_000
	maxAccountLen    = 32
	maxIdempotentLen = 128
)

// TopUpLedger is the subset of the balance ledger the top-up flow needs.
type TopUpLedger interface {
	TopUp(ctx context.Context, req domain.TopUpRequest) error
	ReadBalance(ctx context.Context, account string) (int64, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type TopUpService struct {
	ledger    TopUpLedger
	maxAmount int64
}

type TopUpInput struct {
	Account        string
	Amount         int64
	IdempotencyKey string
}

type TopUpOutput struct {
	Account        string
	Balance        int64
	IdempotencyKey string
	// Duplicate is set when the idempotency key was already applied; the
	// balance was not credited again.
	Duplicate bool
}

func NewTopUpService(ledger TopUpLedger, maxAmount int64) (*TopUpService, error) {
	if ledger == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if maxAmount <= 0 {
		maxAmount = defaultMaxTopUp
	}
	return &TopUpService{ledger: ledger, maxAmount: maxAmount}, nil
}

// TopUp credits an account and returns its balance afterwards. Without an
// idempotency key one is generated, so retries of that request are not
// deduplicated.
func (s *TopUpService) TopUp(ctx context.Context, in TopUpInput) (TopUpOutput, error) {
	account := strings.TrimSpace(in.Account)
	if account == "" {
		return TopUpOutput{}, s.fail(newError(ErrorInvalidInput, "empty_account", nil))
	}
	if len(account) > maxAccountLen {
		return TopUpOutput{}, s.fail(newError(ErrorInvalidInput, "account_too_long", nil))
	}
	if in.Amount <= 0 {
		return TopUpOutput{}, s.fail(newError(ErrorInvalidInput, "non_positive_amount", nil))
	}
	if in.Amount > s.maxAmount {
		return TopUpOutput{}, s.fail(newError(ErrorInvalidInput, "amount_too_large", nil))
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > maxIdempotentLen {
		return TopUpOutput{}, s.fail(newError(ErrorInvalidInput, "idempotency_key_too_long", nil))
	}
	if key == "" {
		key = newUUID()
	}

	out := TopUpOutput{Account: account, IdempotencyKey: key}
	err := s.ledger.TopUp(ctx, domain.TopUpRequest{Account: account, Amount: in.Amount, IdempotencyKey: key})
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		out.Duplicate = true
	case err != nil:
		return TopUpOutput{}, s.fail(ledgerError("ledger_write_error", err))
	}

	balance, err := s.ledger.ReadBalance(ctx, account)
	if err != nil {
		return TopUpOutput{}, s.fail(ledgerError("ledger_read_error", err))
	}
	out.Balance = balance

	if out.Duplicate {
		metrics.RecordTopUp("duplicate")
	} else {
		metrics.RecordTopUp("credited")
	}
	return out, nil
}

// Balance returns an account's current balance.
func (s *TopUpService) Balance(ctx context.Context, account string) (int64, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return 0, newError(ErrorInvalidInput, "empty_account", nil)
	}
	balance, err := s.ledger.ReadBalance(ctx, account)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return 0, newError(ErrorNotFound, "account_not_found", err)
	}
	if err != nil {
		return 0, ledgerError("ledger_read_error", err)
	}
	return balance, nil
}

func (s *TopUpService) fail(err *Error) *Error {
	metrics.RecordTopUp(strings.ToLower(string(err.Code)))
	return err
}

func ledgerError(reason string, err error) *Error {
	if isThrottled(err) {
		return newError(ErrorRateLimited, "ledger_throttled", err)
	}
	return newError(ErrorInternal, reason, err)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded":
			return true
		}
	}
	var statusErr httpStatusCoder
	return errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == 429
}

var newUUID = func() string {
	return uuid.NewString()
}
