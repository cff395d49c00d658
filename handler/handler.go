package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"callmeter/internal/usecase"
)

const (
	headerCorrelationID  = "X-Correlation-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

type TopUpUseCase interface {
	TopUp(ctx context.Context, in usecase.TopUpInput) (usecase.TopUpOutput, error)
	Balance(ctx context.Context, account string) (int64, error)
}

// Handler serves the balance API: POST credits an account, GET reads it.
// It runs behind API Gateway in Lambda and, through ServeHTTP, on the
// self-hosted server.
type Handler struct {
	uc TopUpUseCase
}

type topUpRequest struct {
	Account        string `json:"account"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type topUpResponse struct {
	Account        string `json:"account"`
	Balance        int64  `json:"balance"`
	IdempotencyKey string `json:"idempotencyKey"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func NewHandler(uc TopUpUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	switch req.HTTPMethod {
	case http.MethodGet:
		return h.balance(ctx, req, correlationID, logger), nil
	case http.MethodPost:
		return h.topUp(ctx, req, correlationID, logger), nil
	default:
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{
			Error:         "METHOD_NOT_ALLOWED",
			CorrelationID: correlationID,
		}), nil
	}
}

func (h *Handler) topUp(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string, logger *slog.Logger) events.APIGatewayProxyResponse {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return invalidBody(correlationID)
		}
		body = string(raw)
	}

	var in topUpRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		logger.Info("rejecting malformed top-up body", "err", err)
		return invalidBody(correlationID)
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = header(req.Headers, headerIdempotencyKey)
	}

	out, err := h.uc.TopUp(ctx, usecase.TopUpInput{
		Account:        in.Account,
		Amount:         in.Amount,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return errorToResponse(err, correlationID, logger)
	}

	logger.Info("top-up applied", "account", out.Account, "amount", in.Amount, "duplicate", out.Duplicate)
	return jsonResponse(http.StatusOK, correlationID, topUpResponse{
		Account:        out.Account,
		Balance:        out.Balance,
		IdempotencyKey: out.IdempotencyKey,
		Duplicate:      out.Duplicate,
	})
}

func (h *Handler) balance(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string, logger *slog.Logger) events.APIGatewayProxyResponse {
	account := req.QueryStringParameters["account"]
	if account == "" {
		account = req.PathParameters["account"]
	}
	balance, err := h.uc.Balance(ctx, account)
	if err != nil {
		return errorToResponse(err, correlationID, logger)
	}
	return jsonResponse(http.StatusOK, correlationID, balanceResponse{
		Account: strings.TrimSpace(account),
		Balance: balance,
	})
}

func invalidBody(correlationID string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
		Error:         string(usecase.ErrorInvalidInput),
		Reason:        "invalid_body",
		CorrelationID: correlationID,
	})
}

func errorToResponse(err error, correlationID string, logger *slog.Logger) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{
			Error:         string(usecase.ErrorInternal),
			CorrelationID: correlationID,
		})
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Info("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, correlationID, errorResponse{
		Error:         string(ucErr.Code),
		Reason:        ucErr.Reason,
		CorrelationID: correlationID,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}

// header looks a header up case-insensitively; API Gateway preserves the
// client's casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
