package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sosalert/internal/config"
	"sosalert/internal/domain"
)

func TestBackendSenderPostsAlert(t *testing.T) {
	t.Parallel()

	var received domain.EmergencyAlert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") != "a-1" {
			t.Errorf("idempotency key=%q", r.Header.Get("Idempotency-Key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewBackendSender(config.BackendChannelConfig{Enabled: true, Endpoint: server.URL, Token: "secret", TimeoutMS: 1000})
	if err := sender.Ready(); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := sender.Send(context.Background(), domain.EmergencyAlert{ID: "a-1", SubjectID: "resident-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.ID != "a-1" || received.SubjectID != "resident-1" {
		t.Fatalf("received = %+v", received)
	}
}

func TestBackendSenderClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		reason    string
		retryable bool
	}{
		{status: http.StatusNotFound, reason: ReasonRouteNotFound, retryable: true},
		{status: http.StatusServiceUnavailable, reason: ReasonUnavailable, retryable: true},
		{status: http.StatusBadGateway, reason: ReasonUnavailable, retryable: true},
		{status: http.StatusTooManyRequests, reason: ReasonUnavailable, retryable: true},
		{status: http.StatusRequestTimeout, reason: ReasonUnavailable, retryable: true},
		{status: http.StatusUnprocessableEntity, reason: ReasonValidation, retryable: false},
		{status: http.StatusBadRequest, reason: ReasonValidation, retryable: false},
		{status: http.StatusForbidden, reason: ReasonForbidden, retryable: false},
		{status: http.StatusUnauthorized, reason: ReasonForbidden, retryable: false},
		{status: http.StatusTeapot, reason: ReasonUnexpected, retryable: false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			sender := NewBackendSender(config.BackendChannelConfig{Enabled: true, Endpoint: server.URL, Token: "t", TimeoutMS: 1000})
			outcome := NewGuard(sender, enabledGate(1000), quietLogger()).Attempt(context.Background(), domain.EmergencyAlert{ID: "a"})
			if outcome.Kind != domain.OutcomeFailed || outcome.Reason != tc.reason || outcome.Retryable != tc.retryable {
				t.Fatalf("status %d outcome = %+v", tc.status, outcome)
			}
		})
	}
}

func TestBackendSenderReportsNetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL
	server.Close()

	sender := NewBackendSender(config.BackendChannelConfig{Enabled: true, Endpoint: endpoint, Token: "t", TimeoutMS: 1000})
	outcome := NewGuard(sender, enabledGate(1000), quietLogger()).Attempt(context.Background(), domain.EmergencyAlert{ID: "a"})
	if outcome.Reason != ReasonNetwork || !outcome.Retryable {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestBackendSenderReadyRequiresEndpointAndToken(t *testing.T) {
	t.Parallel()

	if err := NewBackendSender(config.BackendChannelConfig{Token: "t"}).Ready(); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if err := NewBackendSender(config.BackendChannelConfig{Endpoint: "http://x"}).Ready(); err == nil {
		t.Fatalf("expected missing token error")
	}
}
