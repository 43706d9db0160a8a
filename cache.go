package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// cachedResponse is a helper struct to store the response fields
// we care about in a simple JSON format.
type cachedResponse struct {
	Status     string              `json:"status"`
	StatusCode int                 `json:"status_code"`
	Proto      string              `json:"proto"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
}

// CachingRoundTripper records upstream responses to disk and replays them on
// later runs. Only 2xx responses are recorded.
type CachingRoundTripper struct {
	// UnderlyingTransport will be used when there's a cache miss.
	// If nil, http.DefaultTransport will be used.
	UnderlyingTransport http.RoundTripper

	// CacheDir is the directory where response files are stored.
	CacheDir string

	Logger *zap.Logger
}

func (c *CachingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	next := c.UnderlyingTransport
	if next == nil {
		next = http.DefaultTransport
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Read the request body into memory so we can hash it
	// and also send it on to the next transport.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	// Headers are ignored so a rotated bearer token still hits.
	key := cacheKey(req.Method, req.URL.String(), bodyBytes)
	cacheFilePath := c.cacheFilePath(key)

	if cr, err := loadCachedResponse(cacheFilePath); err == nil {
		log.Debug("cache hit", zap.String("method", req.Method), zap.String("url", req.URL.Redacted()))
		return buildHTTPResponse(req, cr), nil
	} else if !os.IsNotExist(err) {
		log.Warn("unreadable cache entry, refetching", zap.String("path", cacheFilePath), zap.Error(err))
	}

	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	cr := cachedResponse{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header.Clone(),
		Body:       respBodyBytes,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := saveCachedResponse(cacheFilePath, &cr); err != nil {
			return nil, err
		}
	}

	// We need to return a new http.Response that has a readable Body.
	return buildHTTPResponse(req, cr), nil
}

// cacheKey builds a SHA-256 hash string from method, url, and request body.
func cacheKey(method, url string, body []byte) string {
	hash := sha256.New()
	hash.Write([]byte(method))
	hash.Write([]byte(url))
	if len(body) > 0 {
		hash.Write(body)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// cacheFilePath returns the path to the cache file for the given key.
func (c *CachingRoundTripper) cacheFilePath(key string) string {
	return filepath.Join(c.CacheDir, key+".json")
}

func loadCachedResponse(path string) (cachedResponse, error) {
	var cr cachedResponse
	data, err := os.ReadFile(path)
	if err != nil {
		return cr, err
	}
	err = json.Unmarshal(data, &cr)
	return cr, err
}

// saveCachedResponse saves the response struct to a file in JSON format.
// Token responses land here too, hence the owner-only mode.
func saveCachedResponse(path string, cr *cachedResponse) error {
	data, err := json.MarshalIndent(cr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// buildHTTPResponse constructs a new *http.Response from cachedResponse data.
func buildHTTPResponse(req *http.Request, cr cachedResponse) *http.Response {
	return &http.Response{
		Status:        cr.Status,
		StatusCode:    cr.StatusCode,
		Proto:         cr.Proto,
		Header:        http.Header(cr.Header),
		Body:          io.NopCloser(bytes.NewReader(cr.Body)),
		ContentLength: int64(len(cr.Body)),
		Request:       req,
	}
}
