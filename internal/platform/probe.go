package platform

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucasew/imgcache/internal/errutil"
)

// HTTPProbe decides connectivity by issuing HEAD requests to URL. Any
// response counts as online.
type HTTPProbe struct {
	Client   *http.Client
	URL      string
	Interval time.Duration
	Bus      *Bus

	mu     sync.Mutex
	online bool
	known  bool
}

func (p *HTTPProbe) Online(ctx context.Context) (bool, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	errutil.LogMsg(resp.Body.Close(), "Failed to close probe response")
	return true, nil
}

// Run probes every Interval and publishes online/offline transitions until
// ctx is done.
func (p *HTTPProbe) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *HTTPProbe) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	online, err := p.Online(probeCtx)
	if err != nil || ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	changed := !p.known || p.online != online
	p.online, p.known = online, true
	p.mu.Unlock()

	if !changed || p.Bus == nil {
		return
	}
	slog.Info("Connectivity changed", "online", online, "probe", p.URL)
	if online {
		p.Bus.Publish(Event{Kind: EventOnline})
	} else {
		p.Bus.Publish(Event{Kind: EventOffline})
	}
}

// FromClientHints reads the network client hints of an HTTP request. ok is
// false when the request carries none.
func FromClientHints(h http.Header) (info NetworkInfo, ok bool) {
	if v := h.Get("Save-Data"); v != "" {
		info.SaveData = strings.EqualFold(strings.TrimSpace(v), "on")
		ok = true
	}
	if v := h.Get("ECT"); v != "" {
		info.EffectiveType = strings.ToLower(strings.TrimSpace(v))
		ok = true
	}
	if v := h.Get("Downlink"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			info.Downlink = f
			ok = true
		}
	}
	if v := h.Get("RTT"); v != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			info.RTT = time.Duration(ms) * time.Millisecond
			ok = true
		}
	}
	return info, ok
}
