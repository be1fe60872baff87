package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"csms/internal/notify"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"go.uber.org/zap"
)

// DataTransfers answers the Plug & Charge DataTransfer messages.
type DataTransfers struct {
	d      Deps
	opts   Options
	pnc    *PlugAndCharge
	logger *zap.Logger
}

func NewDataTransfers(d Deps, opts Options, pnc *PlugAndCharge, logger *zap.Logger) *DataTransfers {
	return &DataTransfers{d: d.withDefaults(), opts: opts.withDefaults(), pnc: pnc, logger: logger.Named("datatransfer")}
}

func (h *DataTransfers) Handle(ctx context.Context, stationID string, req ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error) {
	p, err := ocpp.DecodeDataTransfer(req)
	switch {
	case errors.Is(err, ocpp.ErrUnknownVendor):
		return &ocpp.DataTransferResponse{Status: core.DataTransferStatusUnknownVendorId}, nil
	case errors.Is(err, ocpp.ErrUnknownMessageID):
		return &ocpp.DataTransferResponse{Status: core.DataTransferStatusUnknownMessageId}, nil
	case err != nil:
		return &ocpp.DataTransferResponse{Status: core.DataTransferStatusRejected}, err
	}

	switch v := p.(type) {
	case *ocpp.ISO15118AuthorizeRequest:
		return accepted(h.pnc.Authorize(ctx, stationID, v))
	case *ocpp.SignCertificateRequest:
		csr := *v
		h.d.Tasks.Go(stationID, "sign-certificate", func(ctx context.Context) {
			h.signAndPush(ctx, stationID, csr)
		})
		return accepted(ocpp.GenericStatusResponse{Status: ocpp.StatusAccepted})
	case *ocpp.GetCertificateStatusRequest:
		return accepted(h.certificateStatus(ctx, stationID, v))
	default:
		// Variants the central system sends but never receives.
		h.logger.Warn("unexpected data transfer message",
			zap.String("charge_point_id", stationID),
			zap.String("message_id", req.MessageId),
		)
		return &ocpp.DataTransferResponse{Status: core.DataTransferStatusUnknownMessageId}, nil
	}
}

func accepted(payload any) (*ocpp.DataTransferResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return &ocpp.DataTransferResponse{Status: core.DataTransferStatusRejected}, err
	}
	return &ocpp.DataTransferResponse{Status: core.DataTransferStatusAccepted, Data: string(data)}, nil
}

// certificateStatus relays the OCSP responder's answer to the station.
func (h *DataTransfers) certificateStatus(ctx context.Context, stationID string, req *ocpp.GetCertificateStatusRequest) ocpp.GetCertificateStatusResponse {
	res := h.d.Authority.QueryOCSP(ctx, req.OcspRequestData)
	h.logger.Info("certificate status requested",
		zap.String("charge_point_id", stationID),
		zap.String("serial_number", req.OcspRequestData.SerialNumber),
		zap.String("ocsp_status", string(res.Status)),
	)
	if len(res.Response) == 0 {
		return ocpp.GetCertificateStatusResponse{Status: "Failed"}
	}
	return ocpp.GetCertificateStatusResponse{
		Status:     ocpp.StatusAccepted,
		OcspResult: base64.StdEncoding.EncodeToString(res.Response),
	}
}

// signAndPush signs the station's CSR and sends the chain back with
// CertificateSigned.
func (h *DataTransfers) signAndPush(ctx context.Context, stationID string, req ocpp.SignCertificateRequest) {
	log := h.logger.With(zap.String("charge_point_id", stationID))
	certType := req.CertificateType
	if certType == "" {
		certType = ocpp.CertificateTypeChargingStation
	}
	err := h.enroll(ctx, stationID, req.Csr, certType, log)
	if err == nil {
		return
	}
	log.Error("certificate enrollment failed", zap.String("certificate_type", certType), zap.Error(err))
	h.d.Notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindCertificateEnrollmentFailed,
		Severity:          notify.SeverityError,
		ChargingStationID: stationID,
		Message:           "certificate enrollment failed",
		Data:              map[string]string{"error": err.Error(), "certificate_type": certType},
		Timestamp:         h.opts.Now(),
	})
}

func (h *DataTransfers) enroll(ctx context.Context, stationID, csr, certType string, log *zap.Logger) error {
	chain, err := h.d.Authority.SignCertificate(csr, nil)
	if err != nil {
		return fmt.Errorf("failed to sign CSR: %w", err)
	}
	dt, err := ocpp.EncodeDataTransfer(&ocpp.CertificateSignedRequest{CertificateChain: chain, CertificateType: certType})
	if err != nil {
		return err
	}
	resp, err := h.d.Commands.DataTransfer(ctx, stationID, dt)
	if err != nil {
		return fmt.Errorf("failed to send CertificateSigned: %w", err)
	}
	var result ocpp.GenericStatusResponse
	if err := ocpp.DecodeDataTransferResponse(resp, &result); err != nil {
		return err
	}
	if result.Status != ocpp.StatusAccepted {
		return fmt.Errorf("%w: CertificateSigned %s", ocpp.ErrCommandRejected, result.Status)
	}
	cert, err := h.d.Registry.Install(ctx, chain, certType, stationID)
	if err != nil {
		// The station holds the certificate; only our record is missing.
		log.Error("failed to record signed certificate", zap.Error(err))
		return nil
	}
	log.Info("certificate signed and installed",
		zap.String("certificate_id", cert.ID),
		zap.String("certificate_type", certType),
	)
	return nil
}
