package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/governance"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

type stubAdmissionAuth struct {
	result *auth.Result
	err    error
}

func (s *stubAdmissionAuth) Authenticate(ctx context.Context, attempt auth.Attempt) (*auth.Result, error) {
	return s.result, s.err
}

func newSessionHandler(authenticator governance.Authenticator, report models.LimitsReport) *SessionHandler {
	logger := zap.NewNop()
	coordinator := governance.NewCoordinator(
		authenticator,
		&stubLimitsMonitor{report: report},
		nil,
		audit.NewMemorySink(),
		audit.NewSecurityAuditor(logger),
		logger,
		governance.Config{},
	)
	return NewSessionHandler(coordinator, logger)
}

type stubLimitsMonitor struct {
	report models.LimitsReport
}

func (s *stubLimitsMonitor) Snapshot(ctx context.Context) (*models.ConnectionHealthSnapshot, error) {
	return &models.ConnectionHealthSnapshot{}, nil
}

func (s *stubLimitsMonitor) CheckLimits(ctx context.Context) (*models.LimitsReport, error) {
	report := s.report
	return &report, nil
}

func TestAdmitEndpoint_Success(t *testing.T) {
	h := newSessionHandler(&stubAdmissionAuth{
		result: &auth.Result{
			Identity: models.AgentIdentity{AgentID: "agent-1", Role: models.RoleReadWrite},
			Method:   models.AuthMethodAPIKey,
		},
	}, models.LimitsReport{WithinLimits: true})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer sk_ai_secret")
	rec := httptest.NewRecorder()

	h.Admit(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp AdmissionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Admitted)
	assert.Equal(t, "agent-1", resp.AgentID)
	assert.Equal(t, "read_write", resp.Role)
}

func TestAdmitEndpoint_MissingCredential(t *testing.T) {
	h := newSessionHandler(&stubAdmissionAuth{}, models.LimitsReport{WithinLimits: true})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rec := httptest.NewRecorder()

	h.Admit(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmitEndpoint_RejectionCarriesKind(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "unauthorized",
			err:        apperrors.New(apperrors.KindUnauthorized, errors.New("bad key")),
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "rate limited",
			err:        apperrors.New(apperrors.KindRateLimited, errors.New("over budget")),
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "rate_limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHandler(&stubAdmissionAuth{err: tt.err}, models.LimitsReport{WithinLimits: true})

			req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
			req.Header.Set("Authorization", "Bearer whatever.token.here")
			rec := httptest.NewRecorder()

			h.Admit(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body["error"])
		})
	}
}

func TestAdmitEndpoint_Backpressure(t *testing.T) {
	h := newSessionHandler(&stubAdmissionAuth{
		result: &auth.Result{Identity: models.AgentIdentity{AgentID: "agent-1", Role: models.RoleReadOnly}},
	}, models.LimitsReport{
		WithinLimits: false,
		UsagePercent: 91,
		Breaches:     []models.BreachKind{models.BreachHighUsage},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer sk_ai_secret")
	rec := httptest.NewRecorder()

	h.Admit(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "backpressure", body["error"])
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer sk_ai_x", "sk_ai_x"},
		{"lowercase scheme", "bearer sk_ai_x", "sk_ai_x"},
		{"missing", "", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"no token", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(req))
		})
	}
}
