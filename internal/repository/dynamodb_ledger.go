package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"callmeter/internal/domain"
)

const (
	skBalance      = "BALANCE"
	skPrefixCharge = "CHARGE#"
	skPrefixTopUp  = "TOPUP#"
	recordTTL      = 90 * 24 * time.Hour // 90-day TTL on charge and top-up records

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoLedger.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoLedger keeps prepaid balances in a single DynamoDB table. Each
// account has a BALANCE item; every charge and top-up writes a record item
// in the same transaction so a repeated reference is rejected atomically.
type DynamoLedger struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoLedger creates a ledger over tableName.
func NewDynamoLedger(api dynamodbAPI, tableName string) (*DynamoLedger, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoLedger{api: api, tableName: tableName, now: time.Now}, nil
}

// accountPK returns the DynamoDB partition key for an account.
func accountPK(account string) string {
	return "ACCOUNT#" + account
}

func (l *DynamoLedger) newRecord(account, kind, reference string, amount int64, now time.Time) domain.LedgerRecord {
	prefix := skPrefixCharge
	if kind == domain.EntryTopUp {
		prefix = skPrefixTopUp
	}
	return domain.LedgerRecord{
		PK:        accountPK(account),
		SK:        prefix + reference,
		Account:   account,
		Kind:      kind,
		Reference: reference,
		Amount:    amount,
		CreatedAt: now.Format(time.RFC3339),
		TTL:       now.Add(recordTTL).Unix(),
	}
}

func recordItem(rec domain.LedgerRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: rec.PK},
		"SK":        &types.AttributeValueMemberS{Value: rec.SK},
		"account":   &types.AttributeValueMemberS{Value: rec.Account},
		"kind":      &types.AttributeValueMemberS{Value: rec.Kind},
		"reference": &types.AttributeValueMemberS{Value: rec.Reference},
		"amount":    &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Amount, 10)},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

// ReadBalance returns the account's current balance using a strongly
// consistent read.
func (l *DynamoLedger) ReadBalance(ctx context.Context, account string) (int64, error) {
	out, err := l.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            balanceKey(account),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: ReadBalance get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, domain.ErrAccountNotFound
	}
	balance, err := int64Attr(out.Item, "balance")
	if err != nil {
		return 0, fmt.Errorf("repository: ReadBalance decode balance: %w", err)
	}
	return balance, nil
}

// Charge debits req.Amount and records req.Reference in one transaction. The
// balance update is conditioned on sufficient funds, the record on not
// existing yet.
func (l *DynamoLedger) Charge(ctx context.Context, req domain.ChargeRequest) error {
	if err := validateCharge(req); err != nil {
		return fmt.Errorf("repository: Charge: %w", err)
	}
	now := l.now().UTC()
	amount := strconv.FormatInt(req.Amount, 10)

	_, err := l.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(l.tableName),
					Key:                 balanceKey(req.Account),
					UpdateExpression:    aws.String("SET balance = balance - :amt, updatedAt = :now"),
					ConditionExpression: aws.String("attribute_exists(PK) AND balance >= :amt"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amt": &types.AttributeValueMemberN{Value: amount},
						":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
					},
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(l.tableName),
					Item:                recordItem(l.newRecord(req.Account, domain.EntryCharge, req.Reference, req.Amount, now)),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err == nil {
		return nil
	}

	// Order matters: a repeated reference is reported as a duplicate even
	// when the balance has since dropped below the amount.
	if reasons, ok := cancellationReasons(err); ok {
		switch {
		case conditionFailed(reasons, 1):
			return domain.ErrDuplicate
		case conditionFailed(reasons, 0) && len(reasons[0].Item) == 0:
			return domain.ErrAccountNotFound
		case conditionFailed(reasons, 0):
			return domain.ErrInsufficientFunds
		}
	}
	return fmt.Errorf("repository: Charge: %w", err)
}

// TopUp credits req.Amount, creating the account if needed. A repeated
// idempotency key returns domain.ErrDuplicate and credits nothing.
func (l *DynamoLedger) TopUp(ctx context.Context, req domain.TopUpRequest) error {
	if err := validateTopUp(req); err != nil {
		return fmt.Errorf("repository: TopUp: %w", err)
	}
	now := l.now().UTC()
	amount := strconv.FormatInt(req.Amount, 10)

	_, err := l.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(l.tableName),
					Item:                recordItem(l.newRecord(req.Account, domain.EntryTopUp, req.IdempotencyKey, req.Amount, now)),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(l.tableName),
					Key:              balanceKey(req.Account),
					UpdateExpression: aws.String("ADD balance :amt SET updatedAt = :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amt": &types.AttributeValueMemberN{Value: amount},
						":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
					},
				},
			},
		},
	})
	if err == nil {
		return nil
	}
	if reasons, ok := cancellationReasons(err); ok && conditionFailed(reasons, 0) {
		return domain.ErrDuplicate
	}
	return fmt.Errorf("repository: TopUp: %w", err)
}

// OpenAccount creates an account with a zero balance. It is a no-op for an
// existing account.
func (l *DynamoLedger) OpenAccount(ctx context.Context, account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("repository: OpenAccount: account is required")
	}
	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: accountPK(account)},
			"SK":        &types.AttributeValueMemberS{Value: skBalance},
			"account":   &types.AttributeValueMemberS{Value: account},
			"balance":   &types.AttributeValueMemberN{Value: "0"},
			"updatedAt": &types.AttributeValueMemberS{Value: l.now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: OpenAccount: %w", err)
	}
	return nil
}

func balanceKey(account string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: accountPK(account)},
		"SK": &types.AttributeValueMemberS{Value: skBalance},
	}
}

func cancellationReasons(err error) ([]types.CancellationReason, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	return tce.CancellationReasons, true
}

func conditionFailed(reasons []types.CancellationReason, i int) bool {
	return i < len(reasons) && aws.ToString(reasons[i].Code) == conditionalCheckFailed
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
