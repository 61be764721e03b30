package gatelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchAndReport(t *testing.T) {
	var gotAuth string
	var report GateReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v0/dispatch":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "backend", body["agent_class"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"story": map[string]any{"id": "AUTH-FEAT-001", "gate": 0, "attempt": 1, "attempt_open": true},
			})
		case "/v0/stories/AUTH-FEAT-001/reports":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
			_ = json.NewEncoder(w).Encode(map[string]any{"outcome": "pass", "story": map[string]any{"id": "AUTH-FEAT-001", "gate": 1}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	ctx := context.Background()
	a, err := c.Dispatch(ctx, "backend")
	require.NoError(t, err)
	require.NotNil(t, a.Story)
	assert.Equal(t, "AUTH-FEAT-001", a.Story.ID)
	assert.Equal(t, "Bearer tok", gotAuth)

	v, err := c.ReportGateCheck(ctx, a.Story.ID, GateReport{
		Gate: a.Story.Gate, Attempt: a.Story.Attempt,
		Checklist: map[string]CheckResult{"requirements_understood": {Pass: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pass", v.Outcome)
	assert.Equal(t, 1, v.Story.Gate)
	assert.Equal(t, 1, report.Attempt)
	assert.True(t, report.Checklist["requirements_understood"].Pass)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"escalation_required","message":"blocked"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").StartAttempt(context.Background(), "AUTH-FEAT-001")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "escalation_required", apiErr.Code)
}

func TestStatusQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/status", r.URL.Path)
		assert.Equal(t, "wave", r.URL.Query().Get("scope"))
		assert.Equal(t, "2", r.URL.Query().Get("id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"scope": "wave", "stories": []any{}})
	}))
	defer srv.Close()

	rep, err := New(srv.URL, "").Status(context.Background(), "wave", "2")
	require.NoError(t, err)
	assert.Equal(t, "wave", rep.Scope)
}
