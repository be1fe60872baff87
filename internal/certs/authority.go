// Package certs validates and issues the X.509 material used by ISO 15118
// Plug & Charge and keeps the registry of certificates installed on stations.
package certs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"csms/internal/ocpp"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrCSRSignature = errors.New("CSR signature verification failed")

const HashAlgorithmSHA256 = "SHA256"

// HashData is the lookup identity of a certificate chain.
type HashData struct {
	ocpp.CertificateHashData
	CertificateChain string `json:"certificateChain"`
}

// CAConfig is the signing hierarchy used for CSR enrollment.
type CAConfig struct {
	RootCert         *x509.Certificate
	RootKey          crypto.Signer
	IntermediateCert *x509.Certificate
	IntermediateKey  crypto.Signer
}

// ChainPEM returns intermediate followed by root.
func (c *CAConfig) ChainPEM() string {
	return encodeCertificate(c.IntermediateCert) + encodeCertificate(c.RootCert)
}

func (c *CAConfig) RootPEM() string {
	return encodeCertificate(c.RootCert)
}

type Option func(*Authority)

func WithOCSPTimeout(d time.Duration) Option {
	return func(a *Authority) { a.ocspClient.SetTimeout(d) }
}

func WithOCSPCacheTTL(d time.Duration) Option {
	return func(a *Authority) { a.ocspCache = cache.New(d, 2*d) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// Authority verifies chains, checks revocation and signs CSRs. A nil CAConfig
// is generated on first use and kept for the lifetime of the Authority.
type Authority struct {
	logger     *zap.Logger
	ocspClient *resty.Client
	ocspCache  *cache.Cache
	now        func() time.Time

	mu   sync.RWMutex
	ca   *CAConfig
	init singleflight.Group
}

func NewAuthority(logger *zap.Logger, ca *CAConfig, opts ...Option) *Authority {
	a := &Authority{
		logger:     logger.Named("certs"),
		ocspClient: resty.New().SetTimeout(20 * time.Second),
		ocspCache:  cache.New(10*time.Minute, 20*time.Minute),
		now:        time.Now,
		ca:         ca,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// VerifyCertificate reports whether the chain is currently valid, correctly
// signed link by link and, when a responder is given, not revoked. Malformed
// input yields false.
func (a *Authority) VerifyCertificate(ctx context.Context, chain string, hashData *ocpp.OCSPRequestData) bool {
	certs, err := ParseChain(chain)
	if err != nil {
		a.logger.Debug("certificate chain rejected", zap.Error(err))
		return false
	}
	leaf := certs[0]
	now := a.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		a.logger.Debug("leaf certificate outside validity period",
			zap.Time("not_before", leaf.NotBefore),
			zap.Time("not_after", leaf.NotAfter),
		)
		return false
	}
	for i := 0; i < len(certs)-1; i++ {
		child, parent := certs[i], certs[i+1]
		if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
			a.logger.Debug("certificate not issued by next in chain", zap.Int("index", i))
			return false
		}
		if err := child.CheckSignatureFrom(parent); err != nil {
			a.logger.Debug("certificate signature check failed", zap.Int("index", i), zap.Error(err))
			return false
		}
	}
	if hashData != nil && hashData.ResponderURL != "" {
		var status OCSPStatus
		if len(certs) > 1 {
			status = a.CheckChainOCSPStatus(ctx, leaf, certs[1], hashData.ResponderURL)
		} else {
			status = a.CheckOCSPStatus(ctx, *hashData)
		}
		if status != OCSPGood {
			a.logger.Info("certificate not good by OCSP", zap.String("ocsp_status", string(status)))
			return false
		}
	}
	return true
}

// ExtractCertificateHashData derives the lookup identity of a chain from its
// leaf: SHA256 of the issuer name and of the leaf public key, plus the serial.
func (a *Authority) ExtractCertificateHashData(chain string) (*HashData, error) {
	normalized, err := NormalizePEM(chain)
	if err != nil {
		return nil, err
	}
	certs, err := ParseChain(normalized)
	if err != nil {
		return nil, err
	}
	leaf := certs[0]
	keyDER, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to export public key: %w", err)
	}
	nameHash := sha256.Sum256(leaf.RawIssuer)
	keyHash := sha256.Sum256(keyDER)
	return &HashData{
		CertificateHashData: ocpp.CertificateHashData{
			HashAlgorithm:  HashAlgorithmSHA256,
			IssuerNameHash: hex.EncodeToString(nameHash[:]),
			IssuerKeyHash:  hex.EncodeToString(keyHash[:]),
			SerialNumber:   leaf.SerialNumber.Text(16),
		},
		CertificateChain: normalized,
	}, nil
}

// CA returns the signing hierarchy, generating a self-signed root and
// intermediate on first use when none was injected.
func (a *Authority) CA() (*CAConfig, error) {
	a.mu.RLock()
	ca := a.ca
	a.mu.RUnlock()
	if ca != nil {
		return ca, nil
	}
	v, err, _ := a.init.Do("ca", func() (interface{}, error) {
		a.mu.RLock()
		existing := a.ca
		a.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		generated, err := GenerateCAConfig(a.now())
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.ca = generated
		a.mu.Unlock()
		a.logger.Info("generated self-signed CA hierarchy",
			zap.String("root_serial", generated.RootCert.SerialNumber.Text(16)),
		)
		return generated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CAConfig), nil
}

// SignCertificate issues a one year leaf for the CSR under the intermediate of
// ca (or of the Authority when ca is nil) and returns leaf, intermediate and
// root as one PEM chain.
func (a *Authority) SignCertificate(csrPEM string, ca *CAConfig) (string, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	if err := csr.CheckSignature(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCSRSignature, err)
	}
	if ca == nil {
		if ca, err = a.CA(); err != nil {
			return "", fmt.Errorf("failed to initialize CA: %w", err)
		}
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return "", fmt.Errorf("failed to generate serial number: %w", err)
	}
	notBefore := a.now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               csr.Subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.IntermediateCert, csr.PublicKey, ca.IntermediateKey)
	if err != nil {
		return "", fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	return encodeCertificate(leaf) + ca.ChainPEM(), nil
}

// GenerateCAConfig creates an ECDSA P-256 root (10 years) and intermediate (5 years).
func GenerateCAConfig(now time.Time) (*CAConfig, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	rootCert, err := createCACertificate(pkix.Name{CommonName: "CSMS Root CA", Organization: []string{"CSMS"}},
		now, now.AddDate(10, 0, 0), 1, rootKey, nil, nil)
	if err != nil {
		return nil, err
	}
	intKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate intermediate key: %w", err)
	}
	intCert, err := createCACertificate(pkix.Name{CommonName: "CSMS Intermediate CA", Organization: []string{"CSMS"}},
		now, now.AddDate(5, 0, 0), 0, intKey, rootCert, rootKey)
	if err != nil {
		return nil, err
	}
	return &CAConfig{RootCert: rootCert, RootKey: rootKey, IntermediateCert: intCert, IntermediateKey: intKey}, nil
}

func createCACertificate(subject pkix.Name, notBefore, notAfter time.Time, maxPathLen int, key *ecdsa.PrivateKey, parent *x509.Certificate, parentKey crypto.Signer) (*x509.Certificate, error) {
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            maxPathLen,
		MaxPathLenZero:        maxPathLen == 0,
	}
	if parent == nil {
		parent, parentKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// LoadCAConfig reads root.pem, root.key, intermediate.pem and intermediate.key from dir.
func LoadCAConfig(dir string) (*CAConfig, error) {
	rootCert, rootKey, err := loadPair(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		return nil, err
	}
	intCert, intKey, err := loadPair(filepath.Join(dir, "intermediate.pem"), filepath.Join(dir, "intermediate.key"))
	if err != nil {
		return nil, err
	}
	if err := intCert.CheckSignatureFrom(rootCert); err != nil {
		return nil, fmt.Errorf("intermediate not signed by root: %w", err)
	}
	return &CAConfig{RootCert: rootCert, RootKey: rootKey, IntermediateCert: intCert, IntermediateKey: intKey}, nil
}

func loadPair(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	certs, err := ParseChain(string(certPEM))
	if err != nil {
		return nil, nil, err
	}
	if !certs[0].IsCA {
		return nil, nil, fmt.Errorf("certificate %s is not a CA certificate", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	return certs[0], key, nil
}

func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}
