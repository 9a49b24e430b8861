package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
		code   domain.ErrorCode
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit, domain.CodeRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid, domain.CodeAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid, domain.CodeAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow, domain.CodeContextOverflow},
		{http.StatusRequestTimeout, domain.ErrTimeout, domain.CodeTimeout},
		{http.StatusGatewayTimeout, domain.ErrTimeout, domain.CodeTimeout},
		{http.StatusInternalServerError, domain.ErrRetryable, domain.CodeRetryable},
		{http.StatusBadGateway, domain.ErrRetryable, domain.CodeRetryable},
		{http.StatusTeapot, domain.ErrProviderError, domain.CodeProviderError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError(tt.status, []byte(`{"error":"details"}`))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, domain.ErrorCodeOf(err))
			assert.Contains(t, err.Error(), "details")
		})
	}
}

func TestMapHTTPErrorTruncatesBody(t *testing.T) {
	err := mapHTTPError(http.StatusBadRequest, []byte(strings.Repeat("x", 4*maxErrorBody)))
	assert.Less(t, len(err.Error()), 2*maxErrorBody)
}

func TestDoJSONRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := doJSONRequest(context.Background(), srv.Client(), srv.URL, []byte(`{}`), map[string]string{"X-Test": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDoJSONRequestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := doJSONRequest(context.Background(), http.DefaultClient, url, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNetwork)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = doJSONRequest(ctx, http.DefaultClient, url, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, domain.ErrNetwork))
}

func TestNewHTTPClientDefaults(t *testing.T) {
	client := NewHTTPClient(config.ProviderConfig{}, config.PoolConfig{})
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)

	client = NewHTTPClient(config.ProviderConfig{ConnTimeout: time.Second, RespTimeout: 2 * time.Second},
		config.PoolConfig{MaxConnsPerHost: 3})
	assert.Equal(t, 3*time.Second, client.Timeout)
	assert.Equal(t, 3, client.Transport.(*http.Transport).MaxConnsPerHost)
}
