package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	c := New(Options{MaxIdleConnsPerHost: 8})
	if c.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", c.Timeout)
	}
	tr := c.Transport.(*http.Transport)
	if tr == http.DefaultTransport {
		t.Error("transport must not be shared")
	}
	if tr.MaxIdleConnsPerHost != 8 {
		t.Errorf("unexpected idle conns %d", tr.MaxIdleConnsPerHost)
	}
}

func TestTrustsCustomCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := New(Options{}).Get(srv.URL); err == nil {
		t.Fatal("self-signed server must not be trusted by default")
	}

	ca := &tls.Certificate{Certificate: [][]byte{srv.Certificate().Raw}}
	resp, err := New(Options{CA: ca}).Get(srv.URL)
	if err != nil {
		t.Fatalf("custom CA not trusted: %v", err)
	}
	_ = resp.Body.Close()
}
