package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Mirror describes one entry of the channel's cdnList.
type Mirror struct {
	Prefix string
	// Status, when non-zero, is returned for the resource list instead of 200.
	Status int
	// Truncate, when positive, limits the listed resources to the first N.
	Truncate int
}

type file struct {
	dest    string
	listed  []byte
	served  []byte
	failN   int
	block   chan struct{}
	hits    int
	started chan struct{}
}

// CDN is a fake launcher CDN serving a channel document, a resource list
// and the listed files.
type CDN struct {
	Server  *httptest.Server
	Channel string
	Version string

	mu      sync.Mutex
	mirrors []Mirror
	order   []string
	files   map[string]*file
}

// NewCDN starts a fake CDN that is closed when the test ends.
func NewCDN(t testing.TB) *CDN {
	t.Helper()
	c := &CDN{
		Channel: "default",
		Version: "1.0.0",
		mirrors: []Mirror{{Prefix: "/cdn"}},
		files:   make(map[string]*file),
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Server.Close)
	return c
}

// MD5Hex returns the lowercase hex MD5 of content.
func MD5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// RootURL returns the channel document URL.
func (c *CDN) RootURL() string {
	return c.Server.URL + "/channels.json"
}

// MirrorURL returns the cdnList url for prefix.
func (c *CDN) MirrorURL(prefix string) string {
	return c.Server.URL + prefix
}

// SetMirrors replaces the channel's cdnList.
func (c *CDN) SetMirrors(mirrors ...Mirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrors = mirrors
}

// AddFile lists dest with content's size and digest and serves content.
func (c *CDN) AddFile(dest string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[dest]; !ok {
		c.order = append(c.order, dest)
	}
	c.files[dest] = &file{dest: dest, listed: content, served: content}
}

// AddFiles lists n generated files named prefix-NNN.bin of size bytes each.
func (c *CDN) AddFiles(prefix string, n, size int) {
	for i := 0; i < n; i++ {
		content := make([]byte, size)
		for j := range content {
			content[j] = byte(i + j)
		}
		c.AddFile(fmt.Sprintf("%s-%03d.bin", prefix, i), content)
	}
}

// Content returns the listed content of dest.
func (c *CDN) Content(dest string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[dest].listed
}

// Dests returns the listed file names in manifest order.
func (c *CDN) Dests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Serve makes dest serve content while the listing keeps the original digest.
func (c *CDN) Serve(dest string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[dest].served = content
}

// FailNext makes the next n requests for dest answer 503.
func (c *CDN) FailNext(dest string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[dest].failN = n
}

// Block makes requests for dest send half the body and then stall until
// release is closed or the client goes away. The returned channel is
// closed once the first blocked request has started streaming.
func (c *CDN) Block(dest string, release chan struct{}) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.files[dest]
	f.block = release
	f.started = make(chan struct{})
	return f.started
}

// Hits returns the number of download requests seen for dest.
func (c *CDN) Hits(dest string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[dest]; ok {
		return f.hits
	}
	return 0
}

// TotalHits returns the number of download requests across all files.
func (c *CDN) TotalHits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, f := range c.files {
		total += f.hits
	}
	return total
}

func (c *CDN) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/channels.json" {
		c.serveChannels(w)
		return
	}

	c.mu.Lock()
	var mirror *Mirror
	for i := range c.mirrors {
		if strings.HasPrefix(r.URL.Path, c.mirrors[i].Prefix+"/") {
			mirror = &c.mirrors[i]
			break
		}
	}
	c.mu.Unlock()
	if mirror == nil {
		http.NotFound(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, mirror.Prefix)
	switch {
	case rest == "/index/resources.json":
		c.serveIndex(w, *mirror)
	case strings.HasPrefix(rest, "/files/"):
		c.serveFile(w, r, strings.TrimPrefix(rest, "/files/"))
	default:
		http.NotFound(w, r)
	}
}

func (c *CDN) serveChannels(w http.ResponseWriter) {
	c.mu.Lock()
	cdnList := make([]map[string]string, 0, len(c.mirrors))
	for _, m := range c.mirrors {
		cdnList = append(cdnList, map[string]string{"url": c.Server.URL + m.Prefix})
	}
	var total int64
	for _, f := range c.files {
		total += int64(len(f.listed))
	}
	doc := map[string]any{
		c.Channel: map[string]any{
			"version": c.Version,
			"cdnList": cdnList,
			"config": map[string]any{
				"indexFile":  "/index/resources.json",
				"baseUrl":    "files/",
				"fullSize":   fmt.Sprint(total),
				"updateSize": 0,
			},
		},
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (c *CDN) serveIndex(w http.ResponseWriter, m Mirror) {
	if m.Status != 0 {
		w.WriteHeader(m.Status)
		return
	}

	c.mu.Lock()
	resources := make([]map[string]any, 0, len(c.order))
	for _, dest := range c.order {
		f := c.files[dest]
		resources = append(resources, map[string]any{
			"dest": dest,
			"size": len(f.listed),
			"md5":  strings.ToUpper(MD5Hex(f.listed)),
		})
	}
	c.mu.Unlock()
	if m.Truncate > 0 && m.Truncate < len(resources) {
		resources = resources[:m.Truncate]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"resource": resources})
}

func (c *CDN) serveFile(w http.ResponseWriter, r *http.Request, dest string) {
	c.mu.Lock()
	f, ok := c.files[dest]
	if !ok {
		c.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	f.hits++
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	content := f.served
	block := f.block
	started := f.started
	if block != nil {
		f.started = nil
	}
	c.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.WriteHeader(http.StatusOK)
	if block == nil {
		_, _ = w.Write(content)
		return
	}

	half := len(content) / 2
	_, _ = w.Write(content[:half])
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
	if started != nil {
		close(started)
	}
	select {
	case <-block:
		_, _ = w.Write(content[half:])
	case <-r.Context().Done():
	}
}
