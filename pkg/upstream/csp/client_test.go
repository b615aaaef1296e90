package csp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

func TestAccountIDFromExternalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "identity/accounts/ab12-cd34", want: "ab12-cd34"},
		{in: "ab12-cd34", want: "ab12-cd34"},
		{in: "identity/accounts/ab12-cd34/", want: "ab12-cd34"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AccountIDFromExternalID(tt.in))
	}
}

func TestClientListActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sandbox/accounts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sandboxes": [
			{"id": "sbx-1", "name": "eng-1", "external_id": "identity/accounts/u-1", "created_at": 1700000000},
			{"id": "sbx-2", "name": "eng-2", "created_at": 1700000100},
			{"id": "", "name": "broken"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIToken: "secret"})
	accounts, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "identity/accounts/u-1", accounts[0].ExternalID)
	// external id falls back to the account id when the provider omits it
	assert.Equal(t, "sbx-2", accounts[1].ExternalID)
}

func TestClientListActiveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.ListActive(context.Background())
	assert.Error(t, err)
}

func TestClientDelete(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		want       upstream.DeleteResult
		wantErr    bool
	}{
		{name: "deleted", status: http.StatusNoContent, want: upstream.Deleted},
		{name: "ok is deleted", status: http.StatusOK, want: upstream.Deleted},
		{name: "absent is success", status: http.StatusNotFound, want: upstream.AlreadyAbsent},
		{name: "server error is transient", status: http.StatusInternalServerError, want: upstream.TransientFailure, wantErr: true},
		{name: "throttled is transient", status: http.StatusTooManyRequests, want: upstream.TransientFailure, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL})
			result, err := c.Delete(context.Background(), "identity/accounts/u-77")
			assert.Equal(t, tt.want, result)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, "/sandbox/accounts/u-77", gotPath)
		})
	}
}
