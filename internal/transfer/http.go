package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"project-tachyon/internal/storage"
)

// DefaultCABundle is the build-time constant CA bundle path from spec §6.
// When empty, Go's platform certificate pool is used instead.
var DefaultCABundle = ""

const GenericUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ProbeResult is the outcome of the GetFileSize pre-probe (spec §4.3).
type ProbeResult struct {
	Size         int64 // -1 if unknown
	Filename     string
	Status       int
	AcceptRanges bool
	ETag         string
	LastModified string
}

// newRequest builds an HTTP request carrying the task's ordered headers,
// default User-Agent, and method, matching spec §4.3 step 2.
func (e *Engine) newRequest(ctx context.Context, method, urlStr string, headers []storage.HeaderPair) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, newError(KindParameter, 0, "malformed url", err)
	}

	hasUA := false
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
		if strings.EqualFold(h.Key, "User-Agent") {
			hasUA = true
		}
	}
	if !hasUA {
		req.Header.Set("User-Agent", e.userAgent())
	}
	req.Header.Set("Connection", "keep-alive")
	return req, nil
}

// configureProxy validates and applies a task's proxy string per spec
// §4.3 step 4: http scheme, explicit port, length <= 512.
func configureProxy(proxyStr string) (func(*http.Request) (*url.URL, error), error) {
	if proxyStr == "" {
		return http.ProxyFromEnvironment, nil
	}
	if len(proxyStr) > 512 {
		return nil, newError(KindParameter, 0, "proxy string too long", nil)
	}
	u, err := url.Parse(proxyStr)
	if err != nil || u.Scheme != "http" || u.Port() == "" {
		return nil, newError(KindParameter, 0, "malformed proxy: requires http scheme and explicit port", err)
	}
	return http.ProxyURL(u), nil
}

// buildTLSConfig implements spec §4.3 step 3: system CA bundle plus
// optional certificate pinning via VerifyPeerCertificate.
func buildTLSConfig(pins []string) (*tls.Config, error) {
	cfg := &tls.Config{}

	if DefaultCABundle != "" {
		pool := x509.NewCertPool()
		caBytes, err := readCABundle(DefaultCABundle)
		if err != nil {
			return nil, newError(KindSecurity, 0, "failed to load CA bundle", err)
		}
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, newError(KindSecurity, 0, "invalid CA bundle", nil)
		}
		cfg.RootCAs = pool
	}

	if len(pins) > 0 {
		pinSet := make(map[string]bool, len(pins))
		for _, p := range pins {
			pinSet[strings.ToLower(p)] = true
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				hex := fmt.Sprintf("%x", sum)
				if pinSet[hex] {
					return nil
				}
			}
			return newError(KindSecurity, 0, "certificate pin mismatch", nil)
		}
	}

	return cfg, nil
}

// ProbeURL performs the HEAD-style size/capability probe (spec §4.3
// "GetFileSize pre-probe"). client is the caller's task-scoped client
// (plain shared client, or a one-off with proxy/pins applied) so
// concurrent probes never race on engine state.
func (e *Engine) ProbeURL(ctx context.Context, client *http.Client, urlStr string, headers []storage.HeaderPair) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := e.newRequest(ctx, http.MethodGet, urlStr, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyProbeErr(err)
	}
	defer resp.Body.Close()

	result := &ProbeResult{Status: resp.StatusCode, Size: -1}

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrLinkExpired
	}

	result.AcceptRanges = resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent
	result.ETag = resp.Header.Get("ETag")
	result.LastModified = resp.Header.Get("Last-Modified")

	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					result.Size = total
				}
			}
		}
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			result.Size = n
		}
	}

	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok {
				result.Filename = fn
			}
		}
	}
	if result.Filename == "" {
		if u, err := url.Parse(urlStr); err == nil {
			result.Filename = filepath.Base(u.Path)
		}
	}

	return result, nil
}

func readCABundle(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func classifyProbeErr(err error) error {
	if isTransient(err) {
		return newError(KindTransient, 0, "probe failed", err)
	}
	if isTLSError(err) {
		return newError(KindSecurity, 0, "probe tls failure", err)
	}
	return newError(KindTransient, 0, "probe failed", err)
}
