package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"callmeter/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewDynamoLedger(t *testing.T, db *fakeDynamo) *DynamoLedger {
	t.Helper()
	l, err := NewDynamoLedger(db, "test-table")
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC) }
	return l
}

func balanceItem(account, balance string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: accountPK(account)},
		"SK":      &types.AttributeValueMemberS{Value: skBalance},
		"balance": &types.AttributeValueMemberN{Value: balance},
	}
}

func canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{Message: aws.String("Transaction cancelled"), CancellationReasons: reasons}
}

func TestNewDynamoLedger_NilAPI(t *testing.T) {
	_, err := NewDynamoLedger(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewDynamoLedger_EmptyTableName(t *testing.T) {
	_, err := NewDynamoLedger(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestReadBalance_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: balanceItem("+1555", "42")}}
	l := mustNewDynamoLedger(t, db)

	balance, err := l.ReadBalance(context.Background(), "+1555")
	require.NoError(t, err)
	require.Equal(t, int64(42), balance)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "ACCOUNT#+1555", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skBalance, db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestReadBalance_MissingAccount(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	l := mustNewDynamoLedger(t, db)

	_, err := l.ReadBalance(context.Background(), "+1555")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReadBalance_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	l := mustNewDynamoLedger(t, db)

	_, err := l.ReadBalance(context.Background(), "+1555")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ReadBalance")
	require.NotErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReadBalance_MalformedBalance(t *testing.T) {
	item := balanceItem("+1555", "0")
	item["balance"] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	l := mustNewDynamoLedger(t, db)

	_, err := l.ReadBalance(context.Background(), "+1555")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode balance")
}

func TestCharge_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	l := mustNewDynamoLedger(t, db)

	err := l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Amount: 9, Reference: "CA1"})
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	update := db.lastTxInput.TransactItems[0].Update
	require.Equal(t, "attribute_exists(PK) AND balance >= :amt", *update.ConditionExpression)
	require.Equal(t, "9", update.ExpressionAttributeValues[":amt"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, update.ReturnValuesOnConditionCheckFailure)

	put := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, "CHARGE#CA1", put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, domain.EntryCharge, put.Item["kind"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "CA1", put.Item["reference"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
}

func TestCharge_CancellationReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "duplicate reference", err: canceled("None", conditionalCheckFailed), want: domain.ErrDuplicate},
		{name: "duplicate wins over funds", err: canceled(conditionalCheckFailed, conditionalCheckFailed), want: domain.ErrDuplicate},
		{name: "missing account", err: canceled(conditionalCheckFailed, "None"), want: domain.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := mustNewDynamoLedger(t, &fakeDynamo{txErr: tt.err})
			err := l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Amount: 9, Reference: "CA1"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCharge_InsufficientFunds(t *testing.T) {
	err := canceled(conditionalCheckFailed, "None")
	err.(*types.TransactionCanceledException).CancellationReasons[0].Item = balanceItem("+1555", "2")
	l := mustNewDynamoLedger(t, &fakeDynamo{txErr: err})

	got := l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Amount: 9, Reference: "CA1"})
	require.ErrorIs(t, got, domain.ErrInsufficientFunds)
}

func TestCharge_OtherError(t *testing.T) {
	l := mustNewDynamoLedger(t, &fakeDynamo{txErr: errors.New("ProvisionedThroughputExceededException")})

	err := l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Amount: 9, Reference: "CA1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Charge")
	require.NotErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestCharge_Validation(t *testing.T) {
	db := &fakeDynamo{}
	l := mustNewDynamoLedger(t, db)

	require.Error(t, l.Charge(context.Background(), domain.ChargeRequest{Amount: 9, Reference: "CA1"}))
	require.Error(t, l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Amount: 9}))
	require.Error(t, l.Charge(context.Background(), domain.ChargeRequest{Account: "+1555", Reference: "CA1"}))
	require.Nil(t, db.lastTxInput)
}

func TestTopUp_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	l := mustNewDynamoLedger(t, db)

	err := l.TopUp(context.Background(), domain.TopUpRequest{Account: "+1555", Amount: 50, IdempotencyKey: "pay-1"})
	require.NoError(t, err)

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "TOPUP#pay-1", put.Item["SK"].(*types.AttributeValueMemberS).Value)
	wantTTL := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC).Add(recordTTL).Unix()
	require.Equal(t, strconv.FormatInt(wantTTL, 10), put.Item["ttl"].(*types.AttributeValueMemberN).Value)

	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "ADD balance :amt SET updatedAt = :now", *update.UpdateExpression)
	require.Nil(t, update.ConditionExpression)
}

func TestTopUp_DuplicateKey(t *testing.T) {
	l := mustNewDynamoLedger(t, &fakeDynamo{txErr: canceled(conditionalCheckFailed, "None")})

	err := l.TopUp(context.Background(), domain.TopUpRequest{Account: "+1555", Amount: 50, IdempotencyKey: "pay-1"})
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestTopUp_Validation(t *testing.T) {
	l := mustNewDynamoLedger(t, &fakeDynamo{})

	err := l.TopUp(context.Background(), domain.TopUpRequest{Account: "+1555", Amount: 50})
	require.Error(t, err)
	require.Contains(t, err.Error(), "idempotency key")
}

func TestOpenAccount(t *testing.T) {
	db := &fakeDynamo{}
	l := mustNewDynamoLedger(t, db)
	require.NoError(t, l.OpenAccount(context.Background(), "+1555"))
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)

	db.putErr = &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	require.NoError(t, l.OpenAccount(context.Background(), "+1555"))

	db.putErr = errors.New("boom")
	require.Error(t, l.OpenAccount(context.Background(), "+1555"))
}
