package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		BaseURL:      server.URL,
		Organization: "contoso",
		PAT:          "secret-pat",
		CallTimeout:  5 * time.Second,
	}
	retry := resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
	breaker := resilience.NewBreaker("platform", resilience.BreakerConfig{
		FailureThreshold: 100,
		CoolDown:         time.Minute,
	}, nil)
	return NewClient(cfg, retry, breaker)
}

func TestGetPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/contoso/Platform/_apis/git/repositories/repo-1/pullRequests/101", func(w http.ResponseWriter, r *http.Request) {
		// PAT basic auth header must be present.
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Empty(t, user)
		assert.Equal(t, "secret-pat", pass)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"pullRequestId": 101,
			"title":         "Add retry logic",
			"status":        "active",
			"createdBy":     map[string]any{"uniqueName": "dev@contoso.com"},
			"sourceRefName": "refs/heads/feature",
			"targetRefName": "refs/heads/main",
			"lastMergeSourceCommit": map[string]any{"commitId": "abc123"},
			"lastMergeTargetCommit": map[string]any{"commitId": "def456"},
		})
	})
	mux.HandleFunc("/contoso/Platform/_apis/git/repositories/repo-1/pullRequests/101/iterations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": 2,
			"value": []map[string]any{
				{"id": 1, "sourceRefCommit": map[string]any{"commitId": "c1"}},
				{"id": 2, "sourceRefCommit": map[string]any{"commitId": "abc123"}},
			},
		})
	})

	client := newTestClient(t, mux)
	pr, err := client.GetPullRequest(context.Background(), "Platform", "repo-1", 101)
	require.NoError(t, err)

	assert.Equal(t, 101, pr.ID)
	assert.Equal(t, "dev@contoso.com", pr.CreatedBy)
	assert.Equal(t, "abc123", pr.SourceCommit)
	assert.Equal(t, 2, pr.CurrentIteration)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"count": 0, "value": []any{}})
	})

	client := newTestClient(t, handler)
	iterations, err := client.ListIterations(context.Background(), "Platform", "repo-1", 101)
	require.NoError(t, err)
	assert.Empty(t, iterations)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := newTestClient(t, handler)
	_, err := client.ListIterations(context.Background(), "Platform", "repo-1", 101)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, calls.Load())
}

func TestNotFoundIsPermanent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := newTestClient(t, handler)
	_, err := client.GetFile(context.Background(), "Platform", "repo-1", "/a.go", "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCircuitOpensFailFast(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	breaker := resilience.NewBreaker("platform", resilience.BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         time.Minute,
	}, nil)
	client := NewClient(Config{
		BaseURL:      server.URL,
		Organization: "contoso",
		PAT:          "pat",
		CallTimeout:  time.Second,
	}, resilience.RetryConfig{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, breaker)

	_, err := client.ListIterations(context.Background(), "Platform", "repo-1", 101)
	require.Error(t, err)
	// The breaker tripped inside the retry loop: five real calls, then
	// fail-fast without reaching the server.
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 5, calls.Load())
}

func TestCreateThreadBuildsInlineContext(t *testing.T) {
	var received wireThread
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		received.ID = 9
		_ = json.NewEncoder(w).Encode(received)
	})

	client := newTestClient(t, handler)
	thread, err := client.CreateThread(context.Background(), "Platform", "repo-1", 101, ThreadInput{
		Path:   "/src/a.java",
		Line:   12,
		Body:   "finding text",
		Status: ThreadActive,
	})
	require.NoError(t, err)

	assert.Equal(t, 9, thread.ID)
	require.NotNil(t, received.ThreadContext)
	assert.Equal(t, "/src/a.java", received.ThreadContext.FilePath)
	assert.Equal(t, 12, received.ThreadContext.RightFileStart.Line)
	assert.Equal(t, "active", received.Status)
}

func TestCreateThreadPRLevelOmitsContext(t *testing.T) {
	var received wireThread
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(received)
	})

	client := newTestClient(t, handler)
	_, err := client.CreateThread(context.Background(), "Platform", "repo-1", 101, ThreadInput{
		Body:   "summary",
		Status: ThreadActive,
	})
	require.NoError(t, err)
	assert.Nil(t, received.ThreadContext)
}

func TestRegisterHookRollsBackOnPartialFailure(t *testing.T) {
	var created, deleted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/contoso/_apis/hooks/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if created.Add(1) > 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "hook-1"})
	})
	mux.HandleFunc("/contoso/_apis/hooks/subscriptions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	client := newTestClient(t, mux)
	_, err := client.RegisterHook(context.Background(), "project-1", "repo-1", "https://example.com/hook")
	require.Error(t, err)
	assert.EqualValues(t, 1, deleted.Load())
}
