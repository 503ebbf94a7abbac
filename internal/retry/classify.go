package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/store"
)

// Kind is the failure taxonomy shared by the retry policy and statistics.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindStorage    Kind = "storage"
	KindPermission Kind = "permission"
	KindQuota      Kind = "quota"
	KindUnknown    Kind = "unknown"
)

// Kinds lists every kind in reporting order.
var Kinds = []Kind{KindNetwork, KindTimeout, KindStorage, KindPermission, KindQuota, KindUnknown}

var keywords = []struct {
	kind  Kind
	words []string
}{
	{KindNetwork, []string{"network", "fetch", "cors", "connection"}},
	{KindTimeout, []string{"timeout", "abort", "deadline"}},
	{KindQuota, []string{"quota", "storage"}},
	{KindPermission, []string{"permission", "denied"}},
}

// Classify maps an error to a Kind. Typed errors are inspected first and the
// message text is the fallback.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, store.ErrQuotaExceeded), errors.Is(err, fetcher.ErrTooLarge):
		return KindQuota
	case errors.Is(err, store.ErrPermission):
		return KindPermission
	case errors.Is(err, store.ErrUnavailable):
		return KindStorage
	}

	var statusErr *fetcher.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.StatusCode; {
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return KindPermission
		case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
			return KindTimeout
		case code == http.StatusTooManyRequests, code >= 500:
			return KindNetwork
		default:
			return KindUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(msg, w) {
				return k.kind
			}
		}
	}
	return KindUnknown
}

// Retryable reports whether a kind may be retried at all.
func (k Kind) Retryable() bool {
	return k != KindPermission && k != KindQuota
}
