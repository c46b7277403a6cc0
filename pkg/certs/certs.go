// Package certs creates, stores and verifies x509 certificates and private keys.
package certs

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/youmark/pkcs8"
)

const (
	// serial numbers are random with this many bits
	serialBits = 128

	DefaultRSABits      = 4096
	DefaultValidity     = 365 * 24 * time.Hour
	DefaultOrganization = "cmkengine"

	// clock skew allowance for new certificates
	backdate = 5 * time.Minute
)

var (
	// ErrWrongPassword is returned if an encrypted key cannot be decrypted.
	ErrWrongPassword = errors.New("wrong password or corrupt private key")

	// ErrNotSignedBy is returned if a certificate is not signed by the given issuer.
	ErrNotSignedBy = errors.New("certificate is not signed by issuer")
)

// KeyType selects the algorithm of generated keys.
type KeyType string

const (
	KeyTypeRSA  KeyType = "rsa"
	KeyTypeP256 KeyType = "ec256"
	KeyTypeP384 KeyType = "ec384"
)

// Options control certificate generation.
type Options struct {
	CommonName   string
	Organization string
	KeyType      KeyType
	RSABits      int
	Validity     time.Duration
	IsCA         bool
	DNSNames     []string
	IPAddresses  []net.IP
}

func (o *Options) defaults() {
	if o.KeyType == "" {
		o.KeyType = KeyTypeRSA
	}
	if o.RSABits == 0 {
		o.RSABits = DefaultRSABits
	}
	if o.Validity == 0 {
		o.Validity = DefaultValidity
	}
	if o.Organization == "" {
		o.Organization = DefaultOrganization
	}
}

// Bundle is a certificate together with its private key.
type Bundle struct {
	Certificate *Certificate
	PrivateKey  *PrivateKey
}

// GenerateSelfSigned creates a new key and a certificate signed by that key.
func GenerateSelfSigned(opts Options) (*Bundle, error) {
	opts.defaults()
	key, err := GeneratePrivateKey(opts.KeyType, opts.RSABits)
	if err != nil {
		return nil, err
	}

	template, err := newTemplate(&opts)
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key.signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &Bundle{Certificate: &Certificate{cert: cert}, PrivateKey: key}, nil
}

// Issue creates a new key and a certificate signed by this bundle, which must be a CA.
func (b *Bundle) Issue(opts Options) (*Bundle, error) {
	if !b.Certificate.IsCA() {
		return nil, fmt.Errorf("%s is not a CA certificate", b.Certificate.CommonName())
	}
	opts.defaults()
	key, err := GeneratePrivateKey(opts.KeyType, opts.RSABits)
	if err != nil {
		return nil, err
	}

	template, err := newTemplate(&opts)
	if err != nil {
		return nil, err
	}
	if template.NotAfter.After(b.Certificate.cert.NotAfter) {
		template.NotAfter = b.Certificate.cert.NotAfter
	}

	der, err := x509.CreateCertificate(rand.Reader, template, b.Certificate.cert, key.Public(), b.PrivateKey.signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &Bundle{Certificate: &Certificate{cert: cert}, PrivateKey: key}, nil
}

// TLSCertificate converts the bundle for use in a tls.Config.
func (b *Bundle) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{b.Certificate.cert.Raw},
		PrivateKey:  b.PrivateKey.signer,
		Leaf:        b.Certificate.cert,
	}
}

func newTemplate(opts *Options) (*x509.Certificate, error) {
	if opts.CommonName == "" {
		return nil, fmt.Errorf("common name must not be empty")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}
	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = nil
	}

	return template, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	return serial, nil
}

// Certificate wraps a parsed x509 certificate.
type Certificate struct {
	cert *x509.Certificate
}

// ParseCertificatePEM parses the first certificate from PEM data.
func ParseCertificatePEM(data []byte) (*Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in pem data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}

		return &Certificate{cert: cert}, nil
	}
}

// X509 returns the underlying certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// PEM returns the PEM encoded certificate.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

func (c *Certificate) CommonName() string {
	return c.cert.Subject.CommonName
}

func (c *Certificate) IsCA() bool {
	return c.cert.IsCA
}

// SerialNumber returns the serial in hex notation.
func (c *Certificate) SerialNumber() string {
	return hex.EncodeToString(c.cert.SerialNumber.Bytes())
}

// Fingerprint returns the SHA256 fingerprint as colon separated upper case hex: AB:CD:...
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}

	return strings.Join(parts, ":")
}

// NotAfter returns the end of the validity period.
func (c *Certificate) NotAfter() time.Time {
	return c.cert.NotAfter
}

// IsExpired returns true if the certificate is no longer valid at now.
func (c *Certificate) IsExpired(now time.Time) bool {
	return now.After(c.cert.NotAfter)
}

// DaysTillExpiry returns the number of full days until the certificate expires,
// negative if already expired.
func (c *Certificate) DaysTillExpiry(now time.Time) int {
	return int(math.Floor(c.cert.NotAfter.Sub(now).Hours() / 24))
}

// VerifyIsSignedBy checks the issuer name and the signature of this certificate
// against the issuer. The issuer does not need to be a CA, so self signed end
// entity certificates verify against themselves.
func (c *Certificate) VerifyIsSignedBy(issuer *Certificate) error {
	if !bytes.Equal(c.cert.RawIssuer, issuer.cert.RawSubject) {
		return fmt.Errorf("%w: issuer %q does not match subject %q",
			ErrNotSignedBy, c.cert.Issuer.String(), issuer.cert.Subject.String())
	}
	err := issuer.cert.CheckSignature(c.cert.SignatureAlgorithm, c.cert.RawTBSCertificate, c.cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotSignedBy, err.Error())
	}

	return nil
}

// VerifySignature checks a signature created with the matching private key's Sign.
func (c *Certificate) VerifySignature(data, signature []byte) error {
	digest := sha256.Sum256(data)
	switch pub := c.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("invalid signature: %w", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return fmt.Errorf("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, data, signature) {
			return fmt.Errorf("invalid signature")
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}

	return nil
}

// PublicKeyMatches returns true if the private key belongs to this certificate.
func (c *Certificate) PublicKeyMatches(key *PrivateKey) bool {
	pub, ok := c.cert.PublicKey.(interface{ Equal(x crypto.PublicKey) bool })
	if !ok {
		return false
	}

	return pub.Equal(key.Public())
}

// PrivateKey wraps a RSA, ECDSA or Ed25519 private key.
type PrivateKey struct {
	signer crypto.Signer
}

// GeneratePrivateKey creates a new key of the given type.
func GeneratePrivateKey(keyType KeyType, rsaBits int) (*PrivateKey, error) {
	var signer crypto.Signer
	var err error
	switch keyType {
	case KeyTypeRSA, "":
		if rsaBits == 0 {
			rsaBits = DefaultRSABits
		}
		signer, err = rsa.GenerateKey(rand.Reader, rsaBits)
	case KeyTypeP256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeP384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q, use one of: rsa, ec256, ec384", keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", keyType, err)
	}

	return &PrivateKey{signer: signer}, nil
}

// ParsePrivateKeyPEM parses a PKCS#8 (optionally encrypted), PKCS#1 or SEC1 key.
// The password is only used for encrypted keys.
func ParsePrivateKeyPEM(data, password []byte) (*PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key found in pem data")
		}

		var key interface{}
		var err error
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, fmt.Errorf("private key is encrypted but no password given")
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrWrongPassword, err.Error())
			}
		case "PRIVATE KEY":
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}

		return &PrivateKey{signer: signer}, nil
	}
}

// PEM returns the key as PKCS#8 PEM. With a password the key is encrypted (PBES2).
func (k *PrivateKey) PEM(password []byte) ([]byte, error) {
	if len(password) == 0 {
		der, err := pkcs8.MarshalPrivateKey(k.signer, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("marshal private key: %w", err)
		}

		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	der, err := pkcs8.MarshalPrivateKey(k.signer, password, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
}

// Public returns the public key.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.signer.Public()
}

// Sign signs the SHA256 digest of data (Ed25519 signs data directly).
func (k *PrivateKey) Sign(data []byte) ([]byte, error) {
	if _, ok := k.signer.(ed25519.PrivateKey); ok {
		sig, err := k.signer.Sign(rand.Reader, data, crypto.Hash(0))
		if err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}

		return sig, nil
	}

	digest := sha256.Sum256(data)
	sig, err := k.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return sig, nil
}
