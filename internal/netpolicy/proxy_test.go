package netpolicy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
)

func proxiedClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + p.Addr())
	require.NoError(t, err)
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
}

func TestProxyForward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	t.Run("allowed host is proxied", func(t *testing.T) {
		p := NewProxy(Policy{Enabled: true}, logging.NewNop())
		require.NoError(t, p.Start())
		defer p.Close()

		resp, err := proxiedClient(t, p).Get(upstream.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello from upstream", string(body))
	})

	t.Run("blocked host gets 403 without an upstream dial", func(t *testing.T) {
		var blocked string
		p := NewProxy(
			Policy{Enabled: true, BlockedDomains: []string{"127.0.0.1"}},
			logging.NewNop(),
			WithBlockHook(func(host string) { blocked = host }),
		)
		require.NoError(t, p.Start())
		defer p.Close()

		resp, err := proxiedClient(t, p).Get(upstream.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, string(body), "network access")
		assert.Equal(t, "127.0.0.1", blocked)
	})

	t.Run("disabled network blocks all hosts", func(t *testing.T) {
		p := NewProxy(Policy{Enabled: false}, logging.NewNop())
		require.NoError(t, p.Start())
		defer p.Close()

		resp, err := proxiedClient(t, p).Get(upstream.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestProxyLifecycle(t *testing.T) {
	p := NewProxy(Policy{Enabled: true}, logging.NewNop())
	require.NoError(t, p.Start())
	addr := p.Addr()
	require.NotEmpty(t, addr)

	require.NoError(t, p.Close())

	_, err := (&http.Client{Timeout: time.Second}).Get("http://" + addr)
	assert.Error(t, err)
}
