package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"callmeter/internal/billing"
	"callmeter/internal/domain"
)

const (
	headerTwilioSignature = "X-Twilio-Signature"
	maxStatusBody         = 64 << 10
)

type EventIngester interface {
	HandleEvent(ctx context.Context, ev domain.CallEvent) billing.Outcome
}

type SignatureValidator interface {
	ValidateSignature(ctx context.Context, url string, params map[string]string, signature string) (bool, error)
}

// StatusHandler receives the provider's call status callbacks. Every
// well-formed callback is acknowledged with 200, whatever the engine made of
// it; the provider does not need to know.
type StatusHandler struct {
	events    EventIngester
	validator SignatureValidator
	baseURL   string
	logger    *slog.Logger
}

type StatusOption func(*StatusHandler)

// WithSignatureValidation rejects callbacks whose signature does not match.
// publicBaseURL is the scheme and host the provider was told to call.
func WithSignatureValidation(v SignatureValidator, publicBaseURL string) StatusOption {
	return func(h *StatusHandler) {
		h.validator = v
		h.baseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	}
}

func WithStatusLogger(logger *slog.Logger) StatusOption {
	return func(h *StatusHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewStatusHandler(events EventIngester, opts ...StatusOption) (*StatusHandler, error) {
	if events == nil {
		return nil, errors.New("handler: event ingester must not be nil")
	}
	h := &StatusHandler{events: events, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.validator != nil && h.baseURL == "" {
		return nil, errors.New("handler: public base url is required for signature validation")
	}
	return h, nil
}

type statusResponse struct {
	Outcome billing.Outcome `json:"outcome"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxStatusBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if h.validator != nil {
		ok, err := h.validator.ValidateSignature(r.Context(), h.baseURL+r.URL.RequestURI(), firstValues(r.PostForm), r.Header.Get(headerTwilioSignature))
		if err != nil {
			h.logger.Error("signature validation unavailable", "err", err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			h.logger.Warn("rejecting callback with bad signature", "remote", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	ev, err := h.parseCallEvent(r)
	if err != nil {
		h.logger.Info("rejecting malformed callback", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome := h.events.HandleEvent(r.Context(), ev)
	h.logger.Debug("callback processed", "call_id", ev.CallID, "status", ev.Status, "outcome", outcome)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResponse{Outcome: outcome})
}

// parseCallEvent reads the provider's form fields plus the caller and price
// that were attached to the callback URL when the call was dialed. Only a
// missing CallSid or CallStatus rejects the callback. An unusable duration is
// ingested as zero, so the session closes without a charge and the warning
// log is the reconciliation trail. An unusable price falls back to the
// default rate.
func (h *StatusHandler) parseCallEvent(r *http.Request) (domain.CallEvent, error) {
	ev := domain.CallEvent{
		CallID:       strings.TrimSpace(r.Form.Get("CallSid")),
		ParentCallID: strings.TrimSpace(r.Form.Get("ParentCallSid")),
		Status:       domain.ParseCallStatus(r.Form.Get("CallStatus")),
		From:         strings.TrimSpace(r.Form.Get("From")),
		To:           strings.TrimSpace(r.Form.Get("To")),
		Caller:       strings.TrimSpace(r.URL.Query().Get("caller")),
	}
	if ev.CallID == "" {
		return ev, errors.New("CallSid is required")
	}
	if ev.Status == "" {
		return ev, errors.New("CallStatus is required")
	}

	if raw := strings.TrimSpace(r.Form.Get("CallDuration")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			h.logger.Warn("unusable CallDuration; settling without charge, reconcile manually",
				"call_id", ev.CallID, "parent_call_id", ev.ParentCallID, "status", string(ev.Status), "call_duration", raw)
		} else {
			ev.DurationSeconds = secs
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("price")); raw != "" {
		rate, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || rate < 0 {
			h.logger.Warn("unusable price on callback url; using the default rate",
				"call_id", ev.CallID, "price", raw)
		} else {
			ev.RatePerMinute = rate
		}
	}
	return ev, nil
}
