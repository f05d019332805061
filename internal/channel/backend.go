package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sosalert/internal/config"
	"sosalert/internal/domain"
)

const maxErrorBodyBytes = 2048

// BackendSender posts alerts to the care backend API.
// Params: endpoint URL, bearer token and HTTP client.
// Returns: backend channel sender.
type BackendSender struct {
	cfg    config.BackendChannelConfig
	client *http.Client
}

// NewBackendSender creates backend API sender.
// Params: backend channel config.
// Returns: initialized sender.
func NewBackendSender(cfg config.BackendChannelConfig) *BackendSender {
	return &BackendSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

// Name returns backend channel key.
func (s *BackendSender) Name() string {
	return domain.ChannelBackend
}

// Ready reports missing endpoint or token.
func (s *BackendSender) Ready() error {
	if strings.TrimSpace(s.cfg.Endpoint) == "" {
		return errors.New("backend endpoint is not configured")
	}
	if strings.TrimSpace(s.cfg.Token) == "" {
		return errors.New("backend token is not configured")
	}
	return nil
}

// Send delivers alert JSON and classifies HTTP outcome.
// Params: context and alert.
// Returns: nil on 2xx, classified failure otherwise.
func (s *BackendSender) Send(ctx context.Context, alert domain.EmergencyAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return FailPermanent(ReasonValidation, fmt.Errorf("encode alert: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return FailPermanent(ReasonValidation, fmt.Errorf("build backend request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.Token))
	request.Header.Set("Idempotency-Key", alert.ID)

	response, err := s.client.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Fail(ReasonNetwork, fmt.Errorf("backend send: %w", err))
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return classifyStatus(response)
}

// classifyStatus maps non-2xx response to failure reason.
// Params: HTTP response.
// Returns: retryable or permanent failure.
func classifyStatus(response *http.Response) error {
	statusErr := unexpectedHTTPStatusError("backend", response)
	switch code := response.StatusCode; {
	case code == http.StatusNotFound:
		return Fail(ReasonRouteNotFound, statusErr)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Fail(ReasonUnavailable, statusErr)
	case code == http.StatusBadRequest, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return FailPermanent(ReasonValidation, statusErr)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return FailPermanent(ReasonForbidden, statusErr)
	default:
		return FailPermanent(ReasonUnexpected, statusErr)
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
