package mailstore

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"aaronromeo.com/mailpeek/internal/config"
	"github.com/pkg/errors"
	"software.sslmate.com/src/go-pkcs12"
)

// NewTLSConfig builds the client TLS configuration from email.ssl.trust:
// empty uses the system roots, "*" trusts any certificate, and anything else
// is a path to a PEM bundle or a PKCS#12 (.p12, .pfx) trust store.
func NewTLSConfig(settings *config.MailboxSettings) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: settings.Host,
		MinVersion: tls.VersionTLS12,
	}

	trust := strings.TrimSpace(settings.SSLTrust)
	switch trust {
	case "":
	case config.TrustAll:
		tlsConfig.InsecureSkipVerify = true //nolint:gosec
	default:
		pool, err := loadTrustStore(trust, settings.SSLTrustPassword)
		if err != nil {
			return nil, &config.Error{Keys: []string{"email.ssl.trust"}, Err: err}
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func loadTrustStore(path, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read trust store")
	}

	pool := x509.NewCertPool()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		certs, err := pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			return nil, errors.Wrapf(err, "decode PKCS#12 trust store %s", path)
		}
		if len(certs) == 0 {
			return nil, errors.Errorf("no certificates found in %s", path)
		}
		for _, cert := range certs {
			pool.AddCert(cert)
		}
	default:
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Errorf("no PEM certificates found in %s", path)
		}
	}

	return pool, nil
}
