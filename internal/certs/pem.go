package certs

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidPEM = errors.New("invalid PEM certificate chain")

var (
	certificateBlock = regexp.MustCompile(`(?s)-----BEGIN\s*CERTIFICATE-----(.*?)-----END\s*CERTIFICATE-----`)
	csrBlock         = regexp.MustCompile(`(?s)-----BEGIN\s*(?:NEW\s+)?CERTIFICATE\s+REQUEST-----(.*?)-----END\s*(?:NEW\s+)?CERTIFICATE\s+REQUEST-----`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// unescape undoes the transport damage commonly seen on chains relayed
// through JSON strings: escaped or double escaped newlines and CRLF.
func unescape(s string) string {
	s = strings.ReplaceAll(s, `\\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\r`, "")
	s = strings.ReplaceAll(s, `\r`, "")
	return strings.ReplaceAll(s, "\r", "")
}

func decodeBlocks(s string, pattern *regexp.Regexp) ([][]byte, error) {
	matches := pattern.FindAllStringSubmatch(unescape(s), -1)
	if len(matches) == 0 {
		return nil, ErrInvalidPEM
	}
	blocks := make([][]byte, 0, len(matches))
	for _, m := range matches {
		body := whitespace.ReplaceAllString(m[1], "")
		der, err := base64.StdEncoding.DecodeString(body)
		if err != nil || len(der) == 0 {
			return nil, fmt.Errorf("%w: bad base64 body", ErrInvalidPEM)
		}
		blocks = append(blocks, der)
	}
	return blocks, nil
}

// NormalizePEM rebuilds a syntactically valid PEM chain (canonical header,
// footer and 64 column base64) from a possibly damaged one. Two chains that
// only differ in whitespace or escaping normalize to the same string.
func NormalizePEM(chain string) (string, error) {
	blocks, err := decodeBlocks(chain, certificateBlock)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, der := range blocks {
		b.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	}
	return b.String(), nil
}

// ParseChain decodes every certificate of the chain, leaf first.
func ParseChain(chain string) ([]*x509.Certificate, error) {
	blocks, err := decodeBlocks(chain, certificateBlock)
	if err != nil {
		return nil, err
	}
	certs := make([]*x509.Certificate, 0, len(blocks))
	for _, der := range blocks {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func parseCSR(csr string) (*x509.CertificateRequest, error) {
	blocks, err := decodeBlocks(csr, csrBlock)
	if err != nil {
		// Stations sometimes send the bare base64 DER.
		der, decErr := base64.StdEncoding.DecodeString(whitespace.ReplaceAllString(unescape(csr), ""))
		if decErr != nil {
			return nil, fmt.Errorf("failed to decode CSR: %w", err)
		}
		blocks = [][]byte{der}
	}
	req, err := x509.ParseCertificateRequest(blocks[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}
	return req, nil
}

func encodeCertificate(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}
