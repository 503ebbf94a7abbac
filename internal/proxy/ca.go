package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"
)

// CA locates the certificate used to intercept HTTPS image requests. Inline
// PEM content wins over file paths.
type CA struct {
	CertPath    string
	KeyPath     string
	CertContent string
	KeyContent  string
}

// Load returns the configured keypair, or nil when no CA is configured.
func (c CA) Load() (*tls.Certificate, error) {
	switch {
	case c.CertContent != "" && c.KeyContent != "":
		slog.Info("Loading CA certificate from content")
		cert, err := tls.X509KeyPair([]byte(c.CertContent), []byte(c.KeyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA content: %w", err)
		}
		return &cert, nil
	case c.CertPath != "" && c.KeyPath != "":
		slog.Info("Loading CA certificate from file", "cert", c.CertPath, "key", c.KeyPath)
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA keypair from file: %w", err)
		}
		return &cert, nil
	case c.CertPath != "" || c.KeyPath != "" || c.CertContent != "" || c.KeyContent != "":
		return nil, errors.New("CA certificate and key must be given together")
	}
	return nil, nil
}

// GenerateCA generates a self-signed CA certificate and private key and
// writes them to the specified paths. The key is only readable by its owner.
func GenerateCA(certPath, keyPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"imgcache"},
			CommonName:   "imgcache proxy CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	return nil
}
