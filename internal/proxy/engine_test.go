package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

func TestEngineInjectsCorrelationHeaderAndRecordsTiming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Gateway-Correlation-Id") == "" {
			t.Error("expected the upstream request to carry a correlation id")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	var mu sync.Mutex
	var got []RequestTiming
	done := make(chan struct{}, 1)
	e := NewEngine(func(rt RequestTiming) {
		mu.Lock()
		got = append(got, rt)
		mu.Unlock()
		done <- struct{}{}
	})

	proxySrv := httptest.NewServer(e)
	defer proxySrv.Close()

	proxyURL, err := url.Parse(proxySrv.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Gateway-Correlation-Id") == "" {
		t.Error("expected the response to carry the correlation id back to the caller")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onResponse callback was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d timings, want 1", len(got))
	}
	if got[0].StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", got[0].StatusCode)
	}
	if got[0].TTFBMs() < 0 {
		t.Errorf("TTFBMs = %d, want >= 0", got[0].TTFBMs())
	}
}

func TestEngineTimingsMapDoesNotLeakAcrossRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := NewEngine(nil)
	proxySrv := httptest.NewServer(e)
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(upstream.URL)
		if err != nil {
			t.Fatalf("GET %d: %v", i, err)
		}
		resp.Body.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.timings) != 0 {
		t.Errorf("timings map has %d entries left over, want 0", len(e.timings))
	}
}
