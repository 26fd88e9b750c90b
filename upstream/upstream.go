package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
)

const (
	DefaultUpdateURL      = "https://update.code.visualstudio.com"
	DefaultMarketplaceURL = "https://marketplace.visualstudio.com/_apis/public/gallery/extensionquery"
	DefaultCDNURL         = "https://main.vscode-cdn.net"

	recommendationsPath = "/extensions/workspaceRecommendations.json.gz"
	maliciousPath       = "/extensions/marketplace.json"

	// The commit to offer the update endpoint when asking for the latest
	// build.  Any sufficiently old commit works; this one is from 1.45.
	ancientCommit = "7c4205b5c6e52a53b81c69d2b2dc8a627abaa0ba"

	maxRedirects = 5
)

// StatusError is returned for non-2xx upstream responses that are not
// retried (4xx) or that exhausted their retries (5xx).
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.Code, e.URL)
}

// Options configures the upstream client.  Zero values take the defaults
// the editor itself uses.
type Options struct {
	UpdateURL      string
	MarketplaceURL string
	CDNURL         string
	// ClientVersion is the editor version to present as.
	ClientVersion string
	Insider       bool
	// Timeout bounds each individual call.
	Timeout time.Duration
	// RetryMax is the attempt count on connection errors and 5xx.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       slog.Logger
}

// Client is a stateless, configuration-driven wrapper over the upstream
// endpoints: the update API, the marketplace query API, and the CDN lists.
type Client struct {
	opts   Options
	http   *retryablehttp.Client
	userID string
	logger slog.Logger
}

func New(opts Options) *Client {
	if opts.UpdateURL == "" {
		opts.UpdateURL = DefaultUpdateURL
	}
	if opts.MarketplaceURL == "" {
		opts.MarketplaceURL = DefaultMarketplaceURL
	}
	if opts.CDNURL == "" {
		opts.CDNURL = DefaultCDNURL
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.100.1"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 12 * time.Second
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 4
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = time.Second
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = nil
	rc.HTTPClient.Timeout = opts.Timeout
	rc.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return xerrors.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	return &Client{
		opts:   opts,
		http:   rc,
		userID: uuid.NewString(),
		logger: opts.Logger,
	}
}

func (c *Client) userAgent() string {
	suffix := ""
	if c.opts.Insider {
		suffix = "-insider"
	}
	return "VSCode " + c.opts.ClientVersion + suffix
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

// get performs a GET and fails with a StatusError on anything but 2xx/204.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusNoContent &&
		(resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		code := resp.StatusCode
		resp.Body.Close()
		return nil, &StatusError{Code: code, URL: url}
	}
	return resp, nil
}

// ReleaseManifest asks the update endpoint for the latest build of a
// (platform, quality) track.  Returns nil when upstream answers 204, which
// means the reference commit is already the newest.
func (c *Client) ReleaseManifest(ctx context.Context, platform, quality string) (*marketplace.Release, error) {
	url := fmt.Sprintf("%s/api/update/%s/%s/%s", c.opts.UpdateURL, platform, quality, ancientCommit)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var rel marketplace.Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, xerrors.Errorf("decode release manifest from %s: %w", url, err)
	}
	rel.Platform = platform
	rel.Quality = quality
	return &rel, nil
}

// Download opens an asset or binary payload as a stream, with the size the
// server declared (-1 when unknown).
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, 0, &StatusError{Code: resp.StatusCode, URL: url}
	}
	return resp.Body, resp.ContentLength, nil
}

// Malicious fetches the upstream deny list: the identifiers plus the raw
// payload so the store can mirror it verbatim.
func (c *Client) Malicious(ctx context.Context) ([]string, json.RawMessage, error) {
	url := c.opts.CDNURL + maliciousPath
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, xerrors.Errorf("read malicious list: %w", err)
	}
	var list struct {
		Malicious []string `json:"malicious"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, nil, xerrors.Errorf("decode malicious list from %s: %w", url, err)
	}
	return list.Malicious, raw, nil
}

// Recommendations fetches the upstream workspace recommendation groups and
// flattens them into identifiers.  The payload is gzip-compressed.
func (c *Client) Recommendations(ctx context.Context) ([]string, error) {
	url := c.opts.CDNURL + recommendationsPath
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("read recommendations: %w", err)
	}
	var reader io.Reader
	if len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, xerrors.Errorf("decompress recommendations: %w", err)
		}
		defer gz.Close()
		reader = gz
	} else {
		reader = bytes.NewReader(raw)
	}

	// The shape has changed over time: either a bare list of identifiers
	// or named groups of them.
	var ids []string
	dec := json.NewDecoder(reader)
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, xerrors.Errorf("decode recommendations from %s: %w", url, err)
	}
	collect(generic, &ids)
	return ids, nil
}

// collect walks an untyped recommendation document and gathers every string
// under a "recommendations" key, or every bare string in a list.
func collect(v interface{}, ids *[]string) {
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				*ids = append(*ids, s)
			} else {
				collect(item, ids)
			}
		}
	case map[string]interface{}:
		for key, val := range t {
			if key == "recommendations" {
				collect(val, ids)
			} else if _, ok := val.(string); !ok {
				collect(val, ids)
			}
		}
	}
}
