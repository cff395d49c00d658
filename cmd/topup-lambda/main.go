package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"callmeter/handler"
	"callmeter/internal/repository"
	"callmeter/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	ledgerTable := mustEnv("LEDGER_TABLE")
	maxTopUp := envInt("MAX_TOPUP_AMOUNT", 100_000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ledger, err := repository.NewDynamoLedger(awsdynamodb.NewFromConfig(cfg), ledgerTable)
	if err != nil {
		slog.Error("failed to create ledger", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	topUps, err := usecase.NewTopUpService(ledger, int64(maxTopUp))
	if err != nil {
		slog.Error("failed to create top-up service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(topUps)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
