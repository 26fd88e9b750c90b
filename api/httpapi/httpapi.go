package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrorResponse is the JSON body of every non-2xx response the API emits.
type ErrorResponse struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail"`
	RequestID uuid.UUID `json:"requestId,omitempty"`
}

// WriteBytes sends status and the raw body as-is.
func WriteBytes(rw http.ResponseWriter, status int, body []byte) {
	rw.WriteHeader(status)
	if _, err := rw.Write(body); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

// Write encodes response as JSON.  Encoding happens before any header goes
// out so a failure can still turn into a 500.
func Write(rw http.ResponseWriter, status int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	WriteBytes(rw, status, body)
}

const (
	ForwardedHeader       = "Forwarded"
	XForwardedHostHeader  = "X-Forwarded-Host"
	XForwardedProtoHeader = "X-Forwarded-Proto"
)

// RequestBaseURL reconstructs the external URL clients used to reach the
// server.  The Forwarded header wins over the X-Forwarded-* pair, which wins
// over the request itself.
func RequestBaseURL(r *http.Request, basePath string) url.URL {
	host, proto := parseForwarded(r.Header.Get(ForwardedHeader))
	if host == "" {
		host = r.Header.Get(XForwardedHostHeader)
	}
	if host == "" {
		host = r.Host
	}
	if proto == "" {
		proto = r.Header.Get(XForwardedProtoHeader)
	}
	if proto == "" {
		proto = "http"
	}

	return url.URL{
		Scheme: proto,
		Host:   host,
		Path:   strings.TrimRight(basePath, "/"),
	}
}

// parseForwarded pulls the host and proto pairs out of an RFC 7239 value
// like "by=a;for=b;host=example.com;proto=https".
func parseForwarded(header string) (host, proto string) {
	for _, pair := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "host":
			host = strings.TrimSpace(value)
		case "proto":
			proto = strings.TrimSpace(value)
		}
	}
	return host, proto
}
