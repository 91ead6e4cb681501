package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(Failure{
		TestType:   "Load",
		Repository: "flink-validation",
		Branch:     "main",
		BuildURL:   "https://ci.example.com/runs/42",
		Reason:     "batch did not complete",
		Time:       time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC),
	})

	assert.Contains(t, msg, "*Load Test Failure:*")
	assert.Contains(t, msg, "Repository: flink-validation")
	assert.Contains(t, msg, "Branch: main")
	assert.Contains(t, msg, "Time: 03/07/2024 09:05")
	assert.Contains(t, msg, "Build Link: https://ci.example.com/runs/42")
	assert.Contains(t, msg, "Reason: batch did not complete")
}

func TestFormatMessageOmitsEmptyFields(t *testing.T) {
	msg := FormatMessage(Failure{TestType: "Smoke"})

	assert.NotContains(t, msg, "Build Link")
	assert.NotContains(t, msg, "Reason")
}

func TestNotifyFailurePostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.NotifyFailure(context.Background(), Failure{TestType: "Smoke", Branch: "dev"})

	require.NoError(t, err)
	assert.Contains(t, got["text"], "*Smoke Test Failure:*")
	assert.Contains(t, got["text"], "Branch: dev")
}

func TestNotifyFailureRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.NotifyFailure(context.Background(), Failure{TestType: "Smoke"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.NotifyFailure(context.Background(), Failure{}))
}
