package services

import (
	"context"
	"errors"

	"csms/internal/certs"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

// Reasons a Plug & Charge authorization is refused. The station always gets
// the same Invalid answer; the reason only goes to the log.
const (
	reasonInvalidPEM     = "invalid PEM"
	reasonBadCertificate = "certificate verification failed"
	reasonNotInstalled   = "certificate not installed locally"
	reasonLookupFailed   = "certificate lookup failed"
	reasonMissingToken   = "missing idToken"
	reasonUnknownEmaid   = "unknown eMAID"
	reasonInactiveEmaid  = "inactive eMAID"
)

const defaultConnectorID = 1

// PlugAndCharge authorizes ISO 15118 contract certificates and starts the
// session on success.
type PlugAndCharge struct {
	d      Deps
	logger *zap.Logger
}

func NewPlugAndCharge(d Deps, logger *zap.Logger) *PlugAndCharge {
	return &PlugAndCharge{d: d.withDefaults(), logger: logger.Named("plugandcharge")}
}

func (p *PlugAndCharge) Authorize(ctx context.Context, stationID string, req *ocpp.ISO15118AuthorizeRequest) *ocpp.ISO15118AuthorizeResponse {
	log := p.logger.With(
		zap.String("charge_point_id", stationID),
		zap.String("id_token", req.IdToken.IdToken),
	)
	reject := func(reason string, fields ...zap.Field) *ocpp.ISO15118AuthorizeResponse {
		log.Warn("plug and charge authorization denied", append(fields, zap.String("reason", reason))...)
		return &ocpp.ISO15118AuthorizeResponse{IdTokenInfo: ocpp.IdTokenInfo{Status: types.AuthorizationStatusInvalid}}
	}

	chain, err := certs.NormalizePEM(req.Certificate)
	if err != nil {
		return reject(reasonInvalidPEM, zap.Error(err))
	}
	var hashData *ocpp.OCSPRequestData
	if len(req.ISO15118CertificateHashData) > 0 {
		hashData = &req.ISO15118CertificateHashData[0]
	}
	if !p.d.Authority.VerifyCertificate(ctx, chain, hashData) {
		return reject(reasonBadCertificate)
	}
	cert, err := p.d.Registry.FindByNormalizedChain(ctx, chain)
	if err != nil {
		return reject(reasonLookupFailed, zap.Error(err))
	}
	if cert == nil {
		return reject(reasonNotInstalled)
	}
	token := req.IdToken.IdToken
	if token == "" {
		return reject(reasonMissingToken)
	}
	emaid, err := p.d.Emaids.Get(ctx, token)
	if err != nil {
		return reject(reasonUnknownEmaid, zap.Error(err))
	}
	if emaid == nil {
		return reject(reasonUnknownEmaid)
	}
	if !emaid.Active {
		return reject(reasonInactiveEmaid)
	}

	connectorID := req.ConnectorId
	if connectorID == 0 {
		connectorID = defaultConnectorID
	}
	// The station is still waiting for this answer, so the start goes out
	// from the background.
	p.d.Tasks.Go(stationID, "plug-and-charge-remote-start", func(ctx context.Context) {
		err := p.d.Commands.RemoteStart(ctx, stationID, ocpp.RemoteStartTransactionRequest{
			ConnectorId: &connectorID,
			IdTag:       token,
		})
		switch {
		case err == nil:
			log.Info("plug and charge session started", zap.Int("connector_id", connectorID))
		case errors.Is(err, ocpp.ErrStationNotConnected):
			log.Error("cannot remote start: station not connected", zap.Int("connector_id", connectorID))
		default:
			log.Error("remote start failed", zap.Int("connector_id", connectorID), zap.Error(err))
		}
	})
	log.Info("plug and charge authorization accepted", zap.String("certificate_id", cert.ID))
	return &ocpp.ISO15118AuthorizeResponse{
		IdTokenInfo:       ocpp.IdTokenInfo{Status: types.AuthorizationStatusAccepted},
		CertificateStatus: ocpp.StatusAccepted,
	}
}
