package offline0

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// HeaderOffline marks a response fabricated locally.
	HeaderOffline = "X-Offline"
	// HeaderServedFromCache marks a cached response served during an outage.
	HeaderServedFromCache = "X-Served-From-Cache"

	offlineDataMessage = "data not available offline"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<text x="100" y="105" font-family="sans-serif" font-size="20" fill="#6b7280" text-anchor="middle">Offline</text>` +
	`</svg>`

type offlinePayload struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
}

// synthesize returns the offline fallback for a resource class, or false when
// the class has none and the failure must propagate.
func synthesize(class ResourceClass, dest string, req *http.Request, now time.Time) (*http.Response, bool) {
	switch {
	case class == ClassData:
		body, err := sonic.ConfigDefault.Marshal(offlinePayload{
			Error:     offlineDataMessage,
			Offline:   true,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			body = []byte(`{"error":"` + offlineDataMessage + `","offline":true,"timestamp":"` + now.UTC().Format(time.RFC3339Nano) + `"}`)
		}
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "no-store")
		h.Set(HeaderOffline, "synthetic")
		return newResponse(req, http.StatusServiceUnavailable, h, body), true
	case class == ClassStatic && dest == "image":
		h := http.Header{}
		h.Set("Content-Type", "image/svg+xml")
		h.Set("Cache-Control", "no-store")
		h.Set(HeaderOffline, "synthetic")
		return newResponse(req, http.StatusOK, h, []byte(placeholderSVG)), true
	}
	return nil, false
}

func newResponse(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func responseFromEntry(req *http.Request, ent CacheEntry) *http.Response {
	return newResponse(req, ent.Status, cloneHeader(ent.Header), ent.Body)
}
