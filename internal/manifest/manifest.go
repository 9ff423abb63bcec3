package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/assetsync/internal/syncerr"
)

// ResourceEntry is one file described by the remote manifest.
type ResourceEntry struct {
	Dest string `json:"dest"`
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
}

// ResourceSet is the ordered resource list of one manifest version.
type ResourceSet []ResourceEntry

// TotalSize returns the sum of all entry sizes.
func (s ResourceSet) TotalSize() int64 {
	var total int64
	for _, e := range s {
		total += e.Size
	}
	return total
}

// Check normalizes digests to lowercase and rejects unsafe or duplicate
// dest paths.
func (s ResourceSet) Check() error {
	seen := make(map[string]struct{}, len(s))
	for i := range s {
		e := &s[i]
		if !filepath.IsLocal(filepath.FromSlash(e.Dest)) {
			return syncerr.Manifest("entry %d has unsafe dest %q", i, e.Dest)
		}
		if IsReserved(e.Dest) {
			return syncerr.Manifest("dest %q collides with a launcher file", e.Dest)
		}
		if _, dup := seen[e.Dest]; dup {
			return syncerr.Manifest("duplicate dest %q", e.Dest)
		}
		seen[e.Dest] = struct{}{}

		if e.Size < 0 {
			return syncerr.Manifest("entry %q has negative size %d", e.Dest, e.Size)
		}
		e.MD5 = strings.ToLower(strings.TrimSpace(e.MD5))
		if !isMD5(e.MD5) {
			return syncerr.Manifest("entry %q has malformed md5 %q", e.Dest, e.MD5)
		}
	}
	return nil
}

func isMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Resolution is the outcome of resolving a channel.
type Resolution struct {
	Version   string
	BaseURL   string
	CDN       string
	Resources ResourceSet
}

// FileURL returns the download URL for dest.
func (r *Resolution) FileURL(dest string) string {
	segments := strings.Split(dest, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return joinURL(r.BaseURL, strings.Join(segments, "/"))
}

// Source resolves the resource list for a channel
type Source interface {
	Resolve(ctx context.Context, channel string) (*Resolution, error)
}

// Config configures an HTTPResolver.
type Config struct {
	// RootURL points at the channel-configuration document.
	RootURL string
	// MinEntries is the sanity floor below which a resource list is treated
	// as truncated and the next CDN is tried.
	MinEntries int
	// RequestTimeout bounds each request including its body. Zero disables it.
	RequestTimeout time.Duration
}

// HTTPResolver implements Source against the launcher CDN.
type HTTPResolver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPResolver creates a resolver. A nil client uses http.DefaultClient.
func NewHTTPResolver(cfg Config, client *http.Client, logger *slog.Logger) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{cfg: cfg, client: client, logger: logger}
}

type channelEntry struct {
	Version flexString `json:"version"`
	CDNList []struct {
		URL string `json:"url"`
	} `json:"cdnList"`
	Config struct {
		IndexFile  string  `json:"indexFile"`
		BaseURL    string  `json:"baseUrl"`
		FullSize   flexInt `json:"fullSize"`
		UpdateSize flexInt `json:"updateSize"`
	} `json:"config"`
}

type resourceList struct {
	Resource *ResourceSet `json:"resource"`
}

// Resolve fetches the channel document, then walks the channel's CDN list
// until one of them serves a plausible resource list.
func (r *HTTPResolver) Resolve(ctx context.Context, channel string) (*Resolution, error) {
	var doc map[string]channelEntry
	if err := r.getJSON(ctx, r.cfg.RootURL, &doc); err != nil {
		return nil, fmt.Errorf("failed to fetch channel configuration: %w", err)
	}

	entry, ok := doc[channel]
	if !ok {
		return nil, syncerr.Configuration("channel %q not found in %s", channel, r.cfg.RootURL)
	}
	if len(entry.CDNList) == 0 {
		return nil, syncerr.Manifest("channel %q lists no CDN", channel)
	}
	if entry.Config.IndexFile == "" {
		return nil, syncerr.Manifest("channel %q has no indexFile", channel)
	}

	r.logger.Debug("resolved channel",
		"channel", channel,
		"version", string(entry.Version),
		"cdns", len(entry.CDNList),
		"full_size", int64(entry.Config.FullSize))

	var lastErr error
	answered := false
	for _, cdn := range entry.CDNList {
		if cdn.URL == "" {
			continue
		}
		listURL := joinURL(cdn.URL, entry.Config.IndexFile)

		resources, err := r.fetchResources(ctx, listURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, syncerr.ErrNetwork) {
				answered = true
			}
			r.logger.Warn("CDN resource list unusable, trying next", "cdn", cdn.URL, "error", err)
			lastErr = err
			continue
		}
		answered = true

		if len(resources) < r.cfg.MinEntries {
			lastErr = syncerr.Manifest("resource list at %s has %d entries, below the floor of %d",
				listURL, len(resources), r.cfg.MinEntries)
			r.logger.Warn("resource list implausibly small, trying next CDN", "cdn", cdn.URL, "entries", len(resources))
			continue
		}

		return &Resolution{
			Version:   string(entry.Version),
			BaseURL:   joinURL(cdn.URL, entry.Config.BaseURL),
			CDN:       cdn.URL,
			Resources: resources,
		}, nil
	}

	if lastErr == nil {
		return nil, syncerr.Manifest("channel %q lists no usable CDN", channel)
	}
	if !answered {
		return nil, fmt.Errorf("no CDN reachable for channel %q: %w", channel, lastErr)
	}
	if !errors.Is(lastErr, syncerr.ErrManifest) {
		lastErr = fmt.Errorf("%w: %w", syncerr.ErrManifest, lastErr)
	}
	return nil, lastErr
}

func (r *HTTPResolver) fetchResources(ctx context.Context, listURL string) (ResourceSet, error) {
	var list resourceList
	if err := r.getJSON(ctx, listURL, &list); err != nil {
		return nil, err
	}
	if list.Resource == nil {
		return nil, syncerr.Manifest("resource list at %s has no resource array", listURL)
	}
	resources := *list.Resource
	if err := resources.Check(); err != nil {
		return nil, err
	}
	return resources, nil
}

func (r *HTTPResolver) getJSON(ctx context.Context, target string, v any) error {
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return syncerr.Configuration("invalid URL %q: %v", target, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &syncerr.NetworkError{URL: target, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &syncerr.NetworkError{URL: target, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if ctx.Err() != nil {
			return &syncerr.NetworkError{URL: target, Err: ctx.Err()}
		}
		return syncerr.Manifest("parse %s: %v", target, err)
	}
	return nil
}

// joinURL joins a CDN root and a relative path with exactly one slash.
func joinURL(base, rel string) string {
	if rel == "" {
		return strings.TrimRight(base, "/") + "/"
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

// flexInt accepts both JSON numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %s: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(data)
	return nil
}
