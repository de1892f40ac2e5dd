package workspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

func TestFilenameFromHeader(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain filename", `attachment; filename="report.csv"`, "report.csv"},
		{"unquoted filename", `attachment; filename=report.csv`, "report.csv"},
		{"rfc 5987 form preferred", `attachment; filename="fallback.txt"; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`, "résumé.pdf"},
		{"empty header", "", ""},
		{"no filename parameter", "attachment", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, filenameFromHeader(tc.in))
		})
	}
}

func TestFetch(t *testing.T) {
	allowAll := netpolicy.Policy{Enabled: true}

	t.Run("downloads and stores the file", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Disposition", `attachment; filename="data.csv"`)
			w.Write([]byte("a,b\n1,2\n"))
		}))
		defer upstream.Close()

		dir := t.TempDir()
		fetcher := NewFetcher(5 * time.Second)

		info, err := fetcher.Fetch(context.Background(), upstream.URL, NewFiles(dir), allowAll)
		require.NoError(t, err)
		assert.Equal(t, "data.csv", info.Name)
		assert.Equal(t, int64(8), info.Size)

		content, err := os.ReadFile(filepath.Join(dir, "data.csv"))
		require.NoError(t, err)
		assert.Equal(t, "a,b\n1,2\n", string(content))
	})

	t.Run("policy denial never dials", func(t *testing.T) {
		dialed := false
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dialed = true
		}))
		defer upstream.Close()

		fetcher := NewFetcher(5 * time.Second)
		blocked := netpolicy.Policy{Enabled: true, BlockedDomains: []string{"127.0.0.1"}}

		_, err := fetcher.Fetch(context.Background(), upstream.URL, NewFiles(t.TempDir()), blocked)
		assert.ErrorIs(t, err, types.ErrNetworkAccess)
		assert.False(t, dialed)
	})

	t.Run("disabled network blocks", func(t *testing.T) {
		fetcher := NewFetcher(5 * time.Second)
		_, err := fetcher.Fetch(context.Background(), "http://example.com/x", NewFiles(t.TempDir()), netpolicy.Policy{})
		assert.ErrorIs(t, err, types.ErrNetworkAccess)
	})

	t.Run("missing content disposition fails", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("payload"))
		}))
		defer upstream.Close()

		fetcher := NewFetcher(5 * time.Second)
		_, err := fetcher.Fetch(context.Background(), upstream.URL, NewFiles(t.TempDir()), allowAll)
		assert.ErrorContains(t, err, "no filename")
	})

	t.Run("non-200 status fails", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer upstream.Close()

		fetcher := NewFetcher(5 * time.Second)
		_, err := fetcher.Fetch(context.Background(), upstream.URL, NewFiles(t.TempDir()), allowAll)
		assert.ErrorContains(t, err, "HTTP 404")
	})

	t.Run("rejects bad urls and schemes", func(t *testing.T) {
		fetcher := NewFetcher(time.Second)
		files := NewFiles(t.TempDir())

		_, err := fetcher.Fetch(context.Background(), "::not a url::", files, allowAll)
		assert.Error(t, err)

		_, err = fetcher.Fetch(context.Background(), "ftp://example.com/file", files, allowAll)
		assert.ErrorContains(t, err, "unsupported scheme")
	})
}
