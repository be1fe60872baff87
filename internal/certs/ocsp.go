package certs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"

	"csms/internal/ocpp"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

type OCSPStatus string

const (
	OCSPGood    OCSPStatus = "good"
	OCSPRevoked OCSPStatus = "revoked"
	OCSPUnknown OCSPStatus = "unknown"
)

// OCSPResult carries the decision and the raw DER response it came from.
type OCSPResult struct {
	Status   OCSPStatus
	Response []byte
}

type ocspQuery struct {
	der    []byte
	serial *big.Int
	issuer *x509.Certificate
	url    string
}

// CheckOCSPStatus asks the responder of hashData about the certificate it
// identifies. Transport or parsing failures degrade to OCSPUnknown.
func (a *Authority) CheckOCSPStatus(ctx context.Context, hashData ocpp.OCSPRequestData) OCSPStatus {
	return a.QueryOCSP(ctx, hashData).Status
}

// QueryOCSP is CheckOCSPStatus keeping the raw response for relaying to a station.
func (a *Authority) QueryOCSP(ctx context.Context, hashData ocpp.OCSPRequestData) OCSPResult {
	q, err := a.queryFromHashData(hashData)
	if err != nil {
		a.logger.Warn("invalid OCSP request data", zap.Error(err))
		return OCSPResult{Status: OCSPUnknown}
	}
	return a.query(ctx, q)
}

// CheckChainOCSPStatus builds the request from the certificate and its issuer.
func (a *Authority) CheckChainOCSPStatus(ctx context.Context, cert, issuer *x509.Certificate, responderURL string) OCSPStatus {
	der, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		a.logger.Warn("failed to create OCSP request", zap.Error(err))
		return OCSPUnknown
	}
	return a.query(ctx, ocspQuery{der: der, serial: cert.SerialNumber, issuer: issuer, url: responderURL}).Status
}

func (a *Authority) queryFromHashData(h ocpp.OCSPRequestData) (ocspQuery, error) {
	var hash crypto.Hash
	switch h.HashAlgorithm {
	case "SHA256":
		hash = crypto.SHA256
	case "SHA384":
		hash = crypto.SHA384
	case "SHA512":
		hash = crypto.SHA512
	default:
		return ocspQuery{}, fmt.Errorf("unsupported hash algorithm: %s", h.HashAlgorithm)
	}
	nameHash, err := hex.DecodeString(h.IssuerNameHash)
	if err != nil {
		return ocspQuery{}, err
	}
	keyHash, err := hex.DecodeString(h.IssuerKeyHash)
	if err != nil {
		return ocspQuery{}, err
	}
	serial, ok := new(big.Int).SetString(h.SerialNumber, 16)
	if !ok {
		return ocspQuery{}, fmt.Errorf("invalid serial number: %s", h.SerialNumber)
	}
	req := ocsp.Request{
		HashAlgorithm:  hash,
		IssuerNameHash: nameHash,
		IssuerKeyHash:  keyHash,
		SerialNumber:   serial,
	}
	der, err := req.Marshal()
	if err != nil {
		return ocspQuery{}, err
	}
	return ocspQuery{der: der, serial: serial, issuer: a.knownIssuer(hash, nameHash), url: h.ResponderURL}, nil
}

// knownIssuer finds the CA certificate whose subject matches nameHash.
func (a *Authority) knownIssuer(hash crypto.Hash, nameHash []byte) *x509.Certificate {
	ca, err := a.CA()
	if err != nil || !hash.Available() {
		return nil
	}
	for _, c := range []*x509.Certificate{ca.IntermediateCert, ca.RootCert} {
		if c == nil {
			continue
		}
		h := hash.New()
		h.Write(c.RawSubject)
		if bytes.Equal(h.Sum(nil), nameHash) {
			return c
		}
	}
	return nil
}

func (a *Authority) query(ctx context.Context, q ocspQuery) OCSPResult {
	if q.url == "" {
		return OCSPResult{Status: OCSPUnknown}
	}
	key := q.url + "|" + q.serial.Text(16)
	if cached, ok := a.ocspCache.Get(key); ok {
		return cached.(OCSPResult)
	}

	resp, err := a.ocspClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/ocsp-request").
		SetHeader("Accept", "application/ocsp-response").
		SetBody(q.der).
		Post(q.url)
	if err != nil {
		a.logger.Warn("OCSP request failed", zap.String("responder", q.url), zap.Error(err))
		return OCSPResult{Status: OCSPUnknown}
	}
	if resp.StatusCode() != http.StatusOK {
		a.logger.Warn("OCSP responder returned error status",
			zap.String("responder", q.url),
			zap.Int("status_code", resp.StatusCode()),
		)
		return OCSPResult{Status: OCSPUnknown}
	}

	raw := resp.Body()
	parsed, err := ocsp.ParseResponse(raw, q.issuer)
	if err != nil {
		a.logger.Warn("failed to parse OCSP response", zap.String("responder", q.url), zap.Error(err))
		return OCSPResult{Status: OCSPUnknown}
	}
	if parsed.SerialNumber == nil || parsed.SerialNumber.Cmp(q.serial) != 0 {
		a.logger.Warn("OCSP response for another serial number",
			zap.String("requested", q.serial.Text(16)),
		)
		return OCSPResult{Status: OCSPUnknown, Response: raw}
	}

	result := OCSPResult{Status: OCSPUnknown, Response: raw}
	switch parsed.Status {
	case ocsp.Good:
		// Without an issuer the response signature was never checked.
		if q.issuer == nil {
			a.logger.Warn("OCSP good status from an unknown issuer ignored", zap.String("responder", q.url))
			return result
		}
		result.Status = OCSPGood
	case ocsp.Revoked:
		result.Status = OCSPRevoked
	}
	if result.Status != OCSPUnknown {
		a.ocspCache.Set(key, result, cache.DefaultExpiration)
	}
	return result
}
