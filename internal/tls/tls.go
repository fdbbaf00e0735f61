package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/storops/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses a version string such as "1.2" or "TLS1.3".
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions falls back to 1.2..1.3 for empty or unknown values.
func resolveTLSVersions(cfg config.TLSConfig) (uint16, uint16, error) {
	minVer, maxVer := uint16(tls.VersionTLS12), uint16(tls.VersionTLS13)
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseTLSVersion(cfg.MaxVersion); ok {
		maxVer = v
	}
	if minVer > maxVer {
		return 0, 0, fmt.Errorf("tls min_version %q is above max_version %q", cfg.MinVersion, cfg.MaxVersion)
	}
	return minVer, maxVer, nil
}

// safeReadFile reads p only if it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// SetupTLS builds the API server's tls.Config. It returns nil when TLS is
// disabled.
func SetupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	minVer, maxVer, err := resolveTLSVersions(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return createTLSConfig(cfg.CertFile, cfg.KeyFile, minVer, maxVer)
	}

	if cfg.Dir != "" {
		keyPath := filepath.Join(cfg.Dir, tlsKey)
		certPath := filepath.Join(cfg.Dir, tlsCrt)

		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		if !certificatesExist(certPath, keyPath) {
			return nil, fmt.Errorf("no %s/%s in %s", tlsCrt, tlsKey, cfg.Dir)
		}
		return createTLSConfig(certPath, keyPath, minVer, maxVer)
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

// CACertPath is where AutoGenerate writes the certificate clients should trust.
func CACertPath(cfg config.TLSConfig) string {
	if cfg.Dir == "" {
		return ""
	}
	return filepath.Join(cfg.Dir, tlsCaCrt)
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(cfg config.TLSConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	dnsNames := cfg.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	validDays := cfg.ValidDays
	if validDays <= 0 {
		validDays = 365
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(cfg.CommonName, "localhost"),
		Organization: "storops",
		DNSNames:     dnsNames,
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(cfg.Dir, tlsCrt),
		KeyPath:      filepath.Join(cfg.Dir, tlsKey),
		CACertPath:   filepath.Join(cfg.Dir, tlsCaCrt),
	})
}
