package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientSetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := NewClient(WithUserAgent("test-agent/1.0"))
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "test-agent/1.0" {
		t.Errorf("user agent = %q", got)
	}
}

func TestClientKeepsExplicitUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("User-Agent", "caller-set")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "caller-set" {
		t.Errorf("user agent = %q", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("upstream exploded with detail"))
	if got := ReadErrorBody(body, 16); got != "upstream explode" {
		t.Errorf("clipped body = %q", got)
	}
	if got := ReadErrorBody(nil, 16); got != "" {
		t.Errorf("nil body = %q", got)
	}
}

func TestDrainAndCloseNil(t *testing.T) {
	DrainAndClose(nil, 1024)
}
