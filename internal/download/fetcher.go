package download

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/schaermu/assetsync/internal/syncerr"
)

// Fetcher opens a response stream for a file URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher implements Fetcher with plain GET requests.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client uses NewClient(8).
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = NewClient(8)
	}
	return &HTTPFetcher{client: client}
}

// NewClient returns an HTTP client whose connection pool fits the given
// worker count. Timeouts are applied per request by the engine.
func NewClient(maxConnsPerHost int) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   maxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &syncerr.NetworkError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &syncerr.NetworkError{URL: url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &syncerr.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
