package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds the daemon's TLS settings. With ClientCA set and
// RequireClientCert true the panel must present a certificate signed by it.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	ClientCA          string
	RequireClientCert bool
}

// LoadTLSConfig reads TLS settings from NODEWARDEN_AGENT_TLS_* variables.
func LoadTLSConfig() TLSConfig {
	return TLSConfig{
		CertFile:          os.Getenv("NODEWARDEN_AGENT_TLS_CERT"),
		KeyFile:           os.Getenv("NODEWARDEN_AGENT_TLS_KEY"),
		ClientCA:          os.Getenv("NODEWARDEN_AGENT_CLIENT_CA"),
		RequireClientCert: os.Getenv("NODEWARDEN_AGENT_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a certificate was configured.
func (c TLSConfig) Enabled() bool { return c.CertFile != "" || c.KeyFile != "" }

func (c TLSConfig) build() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCA != "" {
		pem, err := os.ReadFile(c.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		log.Info().Str("ca_cert", c.ClientCA).Bool("required", c.RequireClientCert).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// requireClientCert rejects TLS requests without a verified peer certificate.
func requireClientCert(required bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			if required {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		peer := r.TLS.PeerCertificates[0]
		log.Debug().
			Str("subject", peer.Subject.String()).
			Str("serial", peer.SerialNumber.String()).
			Msg("mTLS client authenticated")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS serves HTTPS on addr, optionally requiring client certs.
func (s *Server) ListenAndServeTLS(addr string, c TLSConfig) error {
	tlsCfg, err := c.build()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           requireClientCert(c.RequireClientCert, s.Handler()),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	log.Info().Str("addr", addr).Bool("mtls_required", c.RequireClientCert).Msg("agent listening with TLS")
	return srv.ListenAndServeTLS("", "")
}
