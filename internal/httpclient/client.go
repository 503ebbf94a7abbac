package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/lucasew/imgcache/internal/errutil"
)

// Options configure the client used to download images.
type Options struct {
	// CA is trusted in addition to the system pool, typically the proxy CA.
	CA      *tls.Certificate
	Timeout time.Duration
	// MaxIdleConnsPerHost bounds keep-alive connections to one origin.
	MaxIdleConnsPerHost int
}

// New creates an http.Client with its own transport, trusting the system
// CAs plus Options.CA.
func New(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.MaxIdleConnsPerHost > 0 {
		tr.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
	}
	if opts.CA != nil {
		tr.TLSClientConfig = &tls.Config{RootCAs: rootCAs(opts.CA)}
	}
	return &http.Client{Transport: tr, Timeout: opts.Timeout}
}

func rootCAs(ca *tls.Certificate) *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(ca.Certificate) == 0 {
		return pool
	}
	cert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		errutil.ReportError(err, "Failed to parse custom CA certificate")
		return pool
	}
	pool.AddCert(cert)
	return pool
}
