package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"callmeter/internal/config"
	"callmeter/internal/repository"
)

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

// openLedger returns the configured balance store and a func that releases it.
func openLedger(ctx context.Context, cfg config.Config) (repository.Ledger, func(), error) {
	switch cfg.Ledger.Backend {
	case config.BackendSQLite:
		l, err := repository.OpenSQLiteLedger(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil

	case config.BackendDynamoDB:
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		l, err := repository.NewDynamoLedger(awsdynamodb.NewFromConfig(awsCfg), cfg.Ledger.Table)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}
