package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatch(t *testing.T) {
	var got Template
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tenants/acme/batches", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"b-1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	id, err := c.CreateBatch(context.Background(), "tok", "acme", Template{Name: "n", DataType: "d", Topic: "in"})

	require.NoError(t, err)
	assert.Equal(t, "b-1", string(id))
	assert.Equal(t, Template{Name: "n", DataType: "d", Topic: "in"}, got)
}

func TestCreateBatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.CreateBatch(context.Background(), "tok", "acme", Template{Name: "n"})

	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "403")
}

func TestTransitionStatus(t *testing.T) {
	var body map[string]int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tenants/acme/batches/b-1/action/sendComplete", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.TransitionStatus(context.Background(), "tok", "acme", "b-1", ActionSendComplete, 3)

	require.NoError(t, err)
	assert.Equal(t, int64(3), body["expectedRecordCount"])
}

func TestTransitionStatusConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.TransitionStatus(context.Background(), "tok", "acme", "b-1", ActionSendComplete, 3)

	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestBulkDeleteViaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/acme-batches/_delete_by_query", r.URL.Path)
		assert.Equal(t, "name:pfx-job1-batch*", r.URL.Query().Get("q"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "elastic", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"deleted":2}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused.invalid", WithSearch(SearchConfig{URL: srv.URL + "/", Username: "elastic", Password: "secret"}))
	assert.NoError(t, c.BulkDeleteByNamePrefix(context.Background(), "tok", "acme", "pfx-job1-batch"))
}

func TestBulkDeleteViaManagementAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/tenants/acme/batches", r.URL.Path)
		assert.Equal(t, "pfx-job1-batch", r.URL.Query().Get("namePrefix"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	assert.NoError(t, c.BulkDeleteByNamePrefix(context.Background(), "tok", "acme", "pfx-job1-batch"))
}

func TestBulkDeleteRejectsEmptyPrefix(t *testing.T) {
	c := NewHTTPClient("http://unused.invalid")
	assert.Error(t, c.BulkDeleteByNamePrefix(context.Background(), "tok", "acme", ""))
}
