package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test"

func TestIssueAndVerify(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	ident, err := iss.Issue("  alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", ident.Username)
	require.NotEmpty(t, ident.UserID)

	claims, err := iss.Verify(ident.Token)
	require.NoError(t, err)
	require.Equal(t, ident.UserID, claims.Subject)
	require.Equal(t, "alice", claims.Name)

	_, err = iss.Verify(ident.Token + "x")
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewIssuer("another-secret-value", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(ident.Token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Minute)
	require.NoError(t, err)
	base := time.Now()
	iss.now = func() time.Time { return base }
	ident, err := iss.Issue("bob")
	require.NoError(t, err)

	iss.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = iss.Verify(ident.Token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestIssueRejectsBadUsername(t *testing.T) {
	iss, err := NewIssuer(testSecret, 0)
	require.NoError(t, err)
	_, err = iss.Issue("   ")
	require.ErrorIs(t, err, ErrInvalidUsername)

	_, err = NewIssuer("short", 0)
	require.Error(t, err)
}

func TestSignInRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Identity{UserID: "u1", Username: "alice", Token: "tok"})
	}))
	defer srv.Close()

	ident, err := SignIn(context.Background(), srv.URL, "alice", SignInOptions{Attempts: 3, InitialInterval: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "u1", ident.UserID)
	require.EqualValues(t, 3, calls.Load())
}

func TestSignInGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := SignIn(context.Background(), srv.URL, "alice", SignInOptions{Attempts: 2, InitialInterval: time.Millisecond})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, 2, authErr.Attempts)
	require.EqualValues(t, 2, calls.Load())
}

func TestSignInDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "username required"})
	}))
	defer srv.Close()

	_, err := SignIn(context.Background(), srv.URL, "", SignInOptions{InitialInterval: time.Millisecond})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Contains(t, authErr.Error(), "username required")
	require.EqualValues(t, 1, calls.Load())
}
