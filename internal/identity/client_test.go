package identity

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

func TestVerify_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usernames/users", r.URL.Path)
		var req usernamesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"builderman"}, req.Usernames)
		_, _ = w.Write([]byte(`{"data":[{"requestedUsername":"builderman","id":156,"name":"Builderman","displayName":"Builderman"}]}`))
	}))
	defer srv.Close()

	u, err := NewClient(srv.URL, time.Second).Verify(context.Background(), " builderman ")
	require.NoError(t, err)
	assert.Equal(t, int64(156), u.ID)
	assert.Equal(t, "Builderman", u.Username)
}

func TestVerify_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Verify(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestVerify_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Verify(context.Background(), "someone")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerify_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 20*time.Millisecond).Verify(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrUnavailable)
}
