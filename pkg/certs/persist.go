package certs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PersistedBundle stores a bundle as certificate and key PEM files.
// If both paths are equal, certificate and key share one file.
type PersistedBundle struct {
	CertPath string
	KeyPath  string
	Password []byte // encrypts the key file if set
}

// Save writes the certificate (0644) and the key (0600).
func (p *PersistedBundle) Save(bundle *Bundle) error {
	keyPEM, err := bundle.PrivateKey.PEM(p.Password)
	if err != nil {
		return err
	}
	certPEM := bundle.Certificate.PEM()

	if p.CertPath == p.KeyPath {
		return writeFile(p.KeyPath, append(certPEM, keyPEM...), 0o600)
	}
	if err := writeFile(p.KeyPath, keyPEM, 0o600); err != nil {
		return err
	}

	return writeFile(p.CertPath, certPEM, 0o644)
}

// Load reads certificate and key and makes sure they belong together.
func (p *PersistedBundle) Load() (*Bundle, error) {
	certPEM, err := os.ReadFile(p.CertPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.CertPath, err)
	}

	keyPEM, err := os.ReadFile(p.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM, p.Password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.KeyPath, err)
	}

	if !cert.PublicKeyMatches(key) {
		return nil, fmt.Errorf("private key %s does not match certificate %s", p.KeyPath, p.CertPath)
	}

	return &Bundle{Certificate: cert, PrivateKey: key}, nil
}

// LoadOrCreate loads the bundle or creates and saves a self signed one if the
// certificate file does not exist yet.
func (p *PersistedBundle) LoadOrCreate(opts Options) (bundle *Bundle, created bool, err error) {
	_, err = os.Stat(p.CertPath)
	switch {
	case err == nil:
		bundle, err = p.Load()

		return bundle, false, err
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("stat %s: %w", p.CertPath, err)
	}

	bundle, err = GenerateSelfSigned(opts)
	if err != nil {
		return nil, false, err
	}
	if err := p.Save(bundle); err != nil {
		return nil, false, err
	}

	return bundle, true, nil
}

// writeFile replaces path with a new file created with perm.
func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("rename %s: %w", path, err)
	}

	return nil
}
