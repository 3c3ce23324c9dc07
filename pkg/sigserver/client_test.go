package sigserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, logx.NewWithWriter(io.Discard, "error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "://nope", ""} {
		if _, err := New(Config{BaseURL: u}, logx.NewWithWriter(io.Discard, "error")); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestGetAreas(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getAreas" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("mac") != "00:11:22:33:44:55" || r.URL.Query().Get("mac2") != "00:11:22:33:44:66" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		io.WriteString(w, "us/ma/cambridge/stata/4\n\n  us/ma/cambridge/stata/5 \n")
	}))

	names, err := c.GetAreas(context.Background(), "00:11:22:33:44:55", "00:11:22:33:44:66")
	if err != nil {
		t.Fatalf("GetAreas: %v", err)
	}
	if len(names) != 2 || names[0] != "us/ma/cambridge/stata/4" || names[1] != "us/ma/cambridge/stata/5" {
		t.Errorf("names = %q", names)
	}
}

func TestGetAreasServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.GetAreas(context.Background(), "00:11:22:33:44:55", "")
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error = %v, want transport error with 500", err)
	}
}

func TestGetMapStatuses(t *testing.T) {
	modified := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		code       int
		wantStatus Status
		wantErr    bool
	}{
		{"ok", http.StatusOK, StatusOK, false},
		{"not modified", http.StatusNotModified, StatusNotModified, false},
		{"not found", http.StatusNotFound, StatusGone, false},
		{"forbidden", http.StatusForbidden, StatusGone, false},
		{"gone", http.StatusGone, StatusGone, false},
		{"unavailable", http.StatusServiceUnavailable, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/map/us/ma/cambridge/stata/4/sig.xml" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
				w.WriteHeader(tt.code)
				if tt.code == http.StatusOK {
					io.WriteString(w, "<area/>")
				}
			}))

			resp, err := c.GetMap(context.Background(), "us/ma/cambridge/stata/4", time.Time{})
			if tt.wantErr {
				if !IsTransport(err) {
					t.Fatalf("error = %v, want transport error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetMap: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", resp.Status, tt.wantStatus)
			}
			if tt.code == http.StatusOK {
				if string(resp.Body) != "<area/>" || !resp.LastModified.Equal(modified) {
					t.Errorf("body %q, last modified %v", resp.Body, resp.LastModified)
				}
			}
		})
	}
}

func TestGetMapConditional(t *testing.T) {
	since := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
		if err != nil || !got.Equal(since) {
			t.Errorf("If-Modified-Since = %q", r.Header.Get("If-Modified-Since"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))

	resp, err := c.GetMap(context.Background(), "us/ma/cambridge/stata", since)
	if err != nil || resp.Status != StatusNotModified {
		t.Fatalf("GetMap = %+v, %v", resp, err)
	}
}

func TestGetMapConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second}, logx.NewWithWriter(io.Discard, "error"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetMap(context.Background(), "us/ma/cambridge/stata", time.Time{}); !IsTransport(err) {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestMapPathEscapes(t *testing.T) {
	if got := MapPath("us/ma/new york/hall a"); got != "/map/us/ma/new%20york/hall%20a/sig.xml" {
		t.Errorf("MapPath = %s", got)
	}
}

func TestPostBind(t *testing.T) {
	var got BindRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bind" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	req := BindRequest{
		Location:  "us/ma/cambridge/stata/4/32-G822",
		BindStamp: 1709294400,
		APScans: []scan.ScanRecord{{
			Stamp:    1709294390,
			Readings: []scan.ReadingRecord{{BSSID: "00:11:22:33:44:55", SSID: "net", Frequency: 2412, Level: -40}},
		}},
		Tags: []string{"office"},
	}
	if err := c.PostBind(context.Background(), req); err != nil {
		t.Fatalf("PostBind: %v", err)
	}
	if got.Location != req.Location || len(got.APScans) != 1 || got.APScans[0].Readings[0].Level != -40 {
		t.Errorf("server received %+v", got)
	}
}

func TestPostBindRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	err := c.PostBind(context.Background(), BindRequest{Location: "x"})
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadRequest {
		t.Errorf("error = %v", err)
	}
}
