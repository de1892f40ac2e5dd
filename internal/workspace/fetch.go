package workspace

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/resilience"
	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Fetcher downloads remote files into session workspaces. Downloads run in
// the server process, so the session's network policy is applied here
// explicitly before any connection is made.
type Fetcher struct {
	client  *resty.Client
	breaker *resilience.Breaker
}

// NewFetcher creates a fetcher with retrying transport and circuit breaker.
func NewFetcher(timeout time.Duration) *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "sandbox-mcp/1.0").
		SetTransport(&retryablehttp.RoundTripper{Client: retryClient})

	return &Fetcher{
		client: client,
		breaker: resilience.New("workspace-fetch", resilience.Settings{
			TripAfter: 5,
			Cooldown:  30 * time.Second,
		}),
	}
}

// Fetch downloads rawURL into the file store. The target host must pass the
// session's policy; a denial surfaces as ErrNetworkAccess. The filename is
// taken from Content-Disposition only, never from the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, files *Files, policy netpolicy.Policy) (FileInfo, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return FileInfo{}, fmt.Errorf("invalid url %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return FileInfo{}, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	if policy.Decide(parsed.Hostname()) != netpolicy.Allow {
		return FileInfo{}, fmt.Errorf("%w: host %q", types.ErrNetworkAccess, parsed.Hostname())
	}

	var info FileInfo
	err = f.breaker.Do(func() error {
		resp, err := f.client.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			Get(rawURL)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", rawURL, err)
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() != 200 {
			return fmt.Errorf("downloading %s: HTTP %d", rawURL, resp.StatusCode())
		}

		filename := filenameFromHeader(resp.Header().Get("Content-Disposition"))
		if filename == "" {
			return fmt.Errorf("no filename in response headers for %s", rawURL)
		}

		info, err = files.Save(filename, body)
		return err
	})
	return info, err
}

var (
	filenameStarRe = regexp.MustCompile(`(?i)filename\*=(?:UTF-8'')?([^;]+)`)
	filenameRe     = regexp.MustCompile(`(?i)filename="?([^"\s;]+)"?`)
)

// filenameFromHeader extracts a filename from a Content-Disposition header,
// preferring the RFC 5987 filename* form.
func filenameFromHeader(disposition string) string {
	if disposition == "" {
		return ""
	}
	if m := filenameStarRe.FindStringSubmatch(disposition); m != nil {
		if decoded, err := url.QueryUnescape(strings.TrimSpace(m[1])); err == nil {
			return decoded
		}
		return strings.TrimSpace(m[1])
	}
	if m := filenameRe.FindStringSubmatch(disposition); m != nil {
		return m[1]
	}
	return ""
}
