package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	cred, err := NewStaticProvider("abc").Credential()

	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", cred.AuthorizationHeader())
}

func TestClientCredentialsProvider(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "flink", r.PostForm.Get("audience"))
		assert.Equal(t, "tenant_test integrator", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p, err := NewClientCredentialsProvider(context.Background(), ClientCredentials{
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Scopes:       []string{"tenant_test", "integrator"},
		Audience:     "flink",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cred, err := p.Credential()
		require.NoError(t, err)
		assert.Equal(t, "tok-1", string(cred))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "token should be cached")
}

func TestClientCredentialsProviderValidation(t *testing.T) {
	_, err := NewClientCredentialsProvider(context.Background(), ClientCredentials{ClientID: "id"})
	assert.Error(t, err)
}

func TestClientCredentialsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewClientCredentialsProvider(context.Background(), ClientCredentials{TokenURL: srv.URL, ClientID: "id"})
	require.NoError(t, err)

	_, err = p.Credential()
	assert.Error(t, err)
}
