package securesocket

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/securemem"
)

// Certificate is a shared handle to a parsed X.509 certificate. Clone hands
// out another reference; every handle must be released once.
type Certificate struct {
	ref *core.Ref[*x509.Certificate]
}

// NewCertificate wraps cert in a fresh handle.
func NewCertificate(cert *x509.Certificate) *Certificate {
	return &Certificate{ref: core.NewRef(cert, nil)}
}

// ParseCertificatePEM parses the first certificate block of data.
func ParseCertificatePEM(data []byte) (*Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("securesocket: no certificate in PEM data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return NewCertificate(cert), nil
	}
}

// Clone returns a second handle to the same certificate.
func (c *Certificate) Clone() *Certificate {
	return &Certificate{ref: c.ref.AddRef()}
}

// Release drops this handle. Releasing twice is a no-op.
func (c *Certificate) Release() {
	if c == nil || c.ref == nil {
		return
	}
	c.ref.Release()
	c.ref = nil
}

// X509 returns the underlying certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.ref.Get()
}

// Subject returns the subject common name.
func (c *Certificate) Subject() string {
	return c.X509().Subject.CommonName
}

// Issuer returns the issuer common name.
func (c *Certificate) Issuer() string {
	return c.X509().Issuer.CommonName
}

// ValidFrom returns the start of the validity period.
func (c *Certificate) ValidFrom() time.Time {
	return c.X509().NotBefore
}

// ValidTill returns the end of the validity period.
func (c *Certificate) ValidTill() time.Time {
	return c.X509().NotAfter
}

// Fingerprint returns the lowercase hex SHA-256 of the DER encoding.
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.X509().Raw)
	return hex.EncodeToString(sum[:])
}

// Verify checks the certificate against the trust anchors in store for the
// given usage.
func (c *Certificate) Verify(store *CertificateStore, usage x509.ExtKeyUsage) error {
	if store == nil {
		return errors.New("securesocket: no trust anchors")
	}
	_, err := c.X509().Verify(x509.VerifyOptions{
		Roots:     store.Pool(),
		KeyUsages: []x509.ExtKeyUsage{usage},
	})
	return err
}

// Key is a shared handle to a private key. The PEM source is held in locked
// memory for as long as any handle is alive. Only the PEM is protected: a
// Context built from the key keeps the parsed key that crypto/tls needs in
// ordinary heap memory until the Context is released.
type Key struct {
	ref *core.Ref[*keyData]
}

type keyData struct {
	pem *securemem.String
}

// NewKeyPEM copies keyPEM into locked memory. The caller may wipe its copy.
func NewKeyPEM(keyPEM []byte) (*Key, error) {
	if block, _ := pem.Decode(keyPEM); block == nil || !strings.Contains(block.Type, "PRIVATE KEY") {
		return nil, errors.New("securesocket: no private key in PEM data")
	}
	data := &keyData{pem: securemem.NewStringFromBytes(append([]byte(nil), keyPEM...))}
	return &Key{ref: core.NewRef(data, func(d *keyData) { d.pem.Destroy() })}, nil
}

// Clone returns a second handle to the same key.
func (k *Key) Clone() *Key {
	return &Key{ref: k.ref.AddRef()}
}

// Release drops this handle; the locked memory is wiped with the last one.
func (k *Key) Release() {
	if k == nil || k.ref == nil {
		return
	}
	k.ref.Release()
	k.ref = nil
}

func (k *Key) pair(cert *Certificate) (tls.Certificate, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.X509().Raw})
	var pair tls.Certificate
	var err error
	k.ref.Get().pem.WithBytes(func(keyPEM []byte) {
		pair, err = tls.X509KeyPair(certPEM, keyPEM)
	})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return pair, nil
}

// CertificateStore is a shared set of trust anchors.
type CertificateStore struct {
	ref *core.Ref[[]*Certificate]
}

// NewCertificateStore takes a reference to each of certs.
func NewCertificateStore(certs ...*Certificate) *CertificateStore {
	held := make([]*Certificate, 0, len(certs))
	for _, c := range certs {
		held = append(held, c.Clone())
	}
	return &CertificateStore{ref: core.NewRef(held, func(list []*Certificate) {
		for _, c := range list {
			c.Release()
		}
	})}
}

// LoadCertificateStore reads every certificate of a PEM bundle.
func LoadCertificateStore(path string) (*CertificateStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	var certs []*Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA bundle: %w", err)
		}
		certs = append(certs, NewCertificate(parsed))
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("CA bundle %s holds no certificates", path)
	}
	store := NewCertificateStore(certs...)
	for _, c := range certs {
		c.Release()
	}
	return store, nil
}

// Clone returns a second handle to the same store.
func (s *CertificateStore) Clone() *CertificateStore {
	return &CertificateStore{ref: s.ref.AddRef()}
}

// Release drops this handle.
func (s *CertificateStore) Release() {
	if s == nil || s.ref == nil {
		return
	}
	s.ref.Release()
	s.ref = nil
}

// Len returns the number of certificates.
func (s *CertificateStore) Len() int {
	return len(s.ref.Get())
}

// Pool returns the store as an x509 pool.
func (s *CertificateStore) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range s.ref.Get() {
		pool.AddCert(c.X509())
	}
	return pool
}

// Context bundles what a TLS session needs: the local identity and the
// trust anchors used to verify the peer.
type Context struct {
	ref *core.Ref[*contextData]
}

type contextData struct {
	certificate       *Certificate
	key               *Key
	pair              *tls.Certificate
	store             *CertificateStore
	requireClientCert bool
}

// ContextOptions configures NewContext. All handles are cloned; the caller
// keeps ownership of its own references.
type ContextOptions struct {
	Certificate       *Certificate
	Key               *Key
	Store             *CertificateStore
	RequireClientCert bool
}

// NewContext builds a context. Certificate and Key must be given together.
func NewContext(opts ContextOptions) (*Context, error) {
	if (opts.Certificate == nil) != (opts.Key == nil) {
		return nil, errors.New("securesocket: certificate and key must be given together")
	}

	data := &contextData{requireClientCert: opts.RequireClientCert}
	if opts.Certificate != nil {
		pair, err := opts.Key.pair(opts.Certificate)
		if err != nil {
			return nil, err
		}
		data.certificate = opts.Certificate.Clone()
		data.key = opts.Key.Clone()
		data.pair = &pair
	}
	if opts.Store != nil {
		data.store = opts.Store.Clone()
	}

	return &Context{ref: core.NewRef(data, func(d *contextData) {
		d.certificate.Release()
		d.key.Release()
		d.store.Release()
		d.pair = nil
	})}, nil
}

// LoadContext reads PEM files. Empty paths are skipped.
func LoadContext(certFile, keyFile, caFile string, requireClientCert bool) (*Context, error) {
	opts := ContextOptions{RequireClientCert: requireClientCert}

	if certFile != "" || keyFile != "" {
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		cert, err := ParseCertificatePEM(certPEM)
		if err != nil {
			return nil, err
		}
		defer cert.Release()
		key, err := NewKeyPEM(keyPEM)
		clear(keyPEM)
		if err != nil {
			return nil, err
		}
		defer key.Release()
		opts.Certificate, opts.Key = cert, key
	}

	if caFile != "" {
		store, err := LoadCertificateStore(caFile)
		if err != nil {
			return nil, err
		}
		defer store.Release()
		opts.Store = store
	}

	return NewContext(opts)
}

// Clone returns a second handle to the same context.
func (c *Context) Clone() *Context {
	return &Context{ref: c.ref.AddRef()}
}

// Release drops this handle.
func (c *Context) Release() {
	if c == nil || c.ref == nil {
		return
	}
	c.ref.Release()
	c.ref = nil
}

// Store returns the trust anchors, nil when none are configured. The handle
// is borrowed.
func (c *Context) Store() *CertificateStore {
	return c.ref.Get().store
}

// Certificate returns the local certificate, nil when none is configured.
// The handle is borrowed.
func (c *Context) Certificate() *Certificate {
	return c.ref.Get().certificate
}

// config builds the crypto/tls configuration for one session. Peer
// verification is left to the session so a Validator can overrule it.
func (c *Context) config(client bool, host string) *tls.Config {
	data := c.ref.Get()
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	if data.pair != nil {
		cfg.Certificates = []tls.Certificate{*data.pair}
	}
	var pool *x509.CertPool
	if data.store != nil {
		pool = data.store.Pool()
	}
	if client {
		cfg.ServerName = host
		cfg.RootCAs = pool
	} else {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequestClientCert
		if data.requireClientCert {
			cfg.ClientAuth = tls.RequireAnyClientCert
		}
	}
	return cfg
}
