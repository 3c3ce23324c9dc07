// Package sigserver is the HTTP client of the signature server: area lookup
// by MAC, signature document download and space binding.
package sigserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
)

// Limits on response bodies.
const (
	maxAreasBody = 1 << 20
	maxMapBody   = 8 << 20
)

// Status classifies a map response.
type Status int

const (
	// StatusOK carries a new document.
	StatusOK Status = iota
	// StatusNotModified means the cached document is current.
	StatusNotModified
	// StatusGone means the server no longer serves the area.
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// MapResponse is the outcome of a signature document request.
type MapResponse struct {
	Status       Status
	Body         []byte
	LastModified time.Time
}

// TransportError reports a failed exchange: network errors, timeouts and
// unexpected status codes. The cache is left alone and the request retried.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sigserver %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("sigserver %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// BindRequest is the body of a bind submission.
type BindRequest struct {
	Location    string            `json:"location"`
	EstLocation string            `json:"est_location"`
	BindStamp   int64             `json:"bind_stamp"`
	DeviceModel string            `json:"device_model"`
	WiFiModel   string            `json:"wifi_model"`
	APScans     []scan.ScanRecord `json:"ap_scans"`
	Tags        []string          `json:"tags"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
}

// Config configures the client.
type Config struct {
	BaseURL   string        `json:"base_url"`
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

// Client talks to one signature server.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	logger    *logx.Logger
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, logger *logx.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "roomfid"
	}
	return &Client{
		base:      base,
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.RawPath = ""
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	start := time.Now()
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("sigserver response", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// GetAreas returns the names of areas that contain mac (and mac2, when set).
func (c *Client) GetAreas(ctx context.Context, mac, mac2 string) ([]string, error) {
	q := url.Values{}
	q.Set("mac", mac)
	if mac2 != "" {
		q.Set("mac2", mac2)
	}
	req, err := http.NewRequest(http.MethodGet, c.endpoint("/getAreas", q), nil)
	if err != nil {
		return nil, fmt.Errorf("build getAreas request: %w", err)
	}
	resp, err := c.do(ctx, "getAreas", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "getAreas", StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAreasBody))
	if err != nil {
		return nil, &TransportError{Op: "getAreas", Err: err}
	}

	var names []string
	for _, line := range strings.Split(string(body), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// MapPath returns the server path of an area's signature document.
func MapPath(area string) string {
	parts := strings.Split(area, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/map/" + strings.Join(parts, "/") + "/sig.xml"
}

// GetMap downloads an area's signature document. A non-zero ifModifiedSince
// makes the request conditional.
func (c *Client) GetMap(ctx context.Context, area string, ifModifiedSince time.Time) (*MapResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.base.String()+MapPath(area), nil)
	if err != nil {
		return nil, fmt.Errorf("build map request: %w", err)
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := c.do(ctx, "map", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return &MapResponse{Status: StatusNotModified}, nil
	case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
		return &MapResponse{Status: StatusGone}, nil
	default:
		return nil, &TransportError{Op: "map", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMapBody))
	if err != nil {
		return nil, &TransportError{Op: "map", Err: err}
	}
	out := &MapResponse{Status: StatusOK, Body: body}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.LastModified = t
		} else {
			c.logger.Warn("unparseable Last-Modified", "area", area, "value", lm)
		}
	}
	return out, nil
}

// PostBind submits a bind.
func (c *Client) PostBind(ctx context.Context, bind BindRequest) error {
	body, err := json.Marshal(bind)
	if err != nil {
		return fmt.Errorf("encode bind: %w", err)
	}
	return c.PostBindRaw(ctx, body)
}

// PostBindRaw submits an already encoded bind body.
func (c *Client) PostBindRaw(ctx context.Context, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.endpoint("/bind", nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bind request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, "bind", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAreasBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "bind", StatusCode: resp.StatusCode}
	}
	return nil
}
