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

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-1": "acct-1"})

	ident, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", ident.AccountID)

	_, err = v.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := readJSON(r, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req["token"] != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accountId":"acct-1"}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ident, err := v.Verify(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", ident.AccountID)

	_, err = v.Verify(ctx, "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPVerifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL)
	_, err := v.Verify(context.Background(), "tok-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPVerifierEmptyAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL)
	_, err := v.Verify(context.Background(), "tok-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
