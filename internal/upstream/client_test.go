package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestSubmit_ForwardsNormalizedRequest(t *testing.T) {
	var gotPath, gotKey string
	var gotBody Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Key")
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		json.NewEncoder(w).Encode(map[string]string{
			"id":          "gen-123",
			"polling_url": "https://api.provider.test/v1/result/gen-123",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret-key", []string{"provider.test"})
	seed := int64(42)
	sub, err := c.Submit(context.Background(), ModelPro, Request{
		Prompt:      "a red chair",
		Seed:        &seed,
		AspectRatio: "1:1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/generate-pro" {
		t.Errorf("path %s", gotPath)
	}
	if gotKey != "secret-key" {
		t.Error("API key header not forwarded")
	}
	if gotBody.Prompt != "a red chair" || gotBody.Seed == nil || *gotBody.Seed != 42 {
		t.Errorf("body not normalized: %+v", gotBody)
	}
	if sub.ID != "gen-123" || sub.PollingURL == "" {
		t.Errorf("unexpected submission: %+v", sub)
	}
}

func TestSubmit_NonSuccessStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", []string{"provider.test"})
	_, err := c.Submit(context.Background(), ModelMax, Request{Prompt: "x"})
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
}

func TestSubmit_MissingPollingURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "gen-123"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", []string{"provider.test"})
	_, err := c.Submit(context.Background(), ModelPro, Request{Prompt: "x"})
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
}

func TestPoll_RejectsDisallowedHosts(t *testing.T) {
	c := NewClient("https://api.provider.test", "k", []string{"provider.test"})
	ctx := context.Background()

	for _, bad := range []string{
		"https://evil.example/v1/result/x",
		"https://provider.test.evil.example/v1/result/x", // suffix trick
		"http://api.provider.test/v1/result/x",           // plaintext
		"not a url at all",
		"https://metadata.internal/latest",
	} {
		if _, err := c.Poll(ctx, bad); !errors.Is(err, ErrHostNotAllowed) {
			t.Errorf("%s: expected ErrHostNotAllowed, got %v", bad, err)
		}
	}
}

func TestPoll_AllowedHostMatching(t *testing.T) {
	c := NewClient("https://api.provider.test", "k", []string{"provider.test"})
	for host, want := range map[string]bool{
		"provider.test":        true,
		"api.provider.test":    true,
		"API.Provider.Test":    true,
		"evilprovider.test":    false,
		"provider.test.attack": false,
	} {
		if got := c.hostAllowed(host); got != want {
			t.Errorf("hostAllowed(%s) = %v, want %v", host, got, want)
		}
	}
}

func TestPoll_ParsesStates(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			json.NewEncoder(w).Encode(map[string]any{
				"id": "gen-123", "status": "Ready",
				"result": map[string]any{"sample": "https://cdn.provider.test/out.png"},
			})
		case "/processing":
			json.NewEncoder(w).Encode(map[string]any{"id": "gen-123", "status": "Pending"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"id": "gen-123", "status": "Error"})
		}
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	c := NewClient("https://api.provider.test", "k", []string{u.Hostname()})
	c.http = ts.Client()
	ctx := context.Background()

	st, err := c.Poll(ctx, ts.URL+"/ready")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateReady || st.SampleURL == "" {
		t.Errorf("ready: %+v", st)
	}

	st, err = c.Poll(ctx, ts.URL+"/processing")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateProcessing {
		t.Errorf("processing: %+v", st)
	}

	st, err = c.Poll(ctx, ts.URL+"/failed")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateFailed {
		t.Errorf("failed: %+v", st)
	}
}
