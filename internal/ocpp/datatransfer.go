package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// VendorISO15118 is the DataTransfer vendor id of the OCPP 1.6 Plug & Charge extension.
const VendorISO15118 = "org.openchargealliance.iso15118pcc"

type MessageID string

const (
	MessageAuthorize                  MessageID = "Authorize"
	MessageSignCertificate            MessageID = "SignCertificate"
	MessageGetCertificateStatus       MessageID = "GetCertificateStatus"
	MessageCertificateSigned          MessageID = "CertificateSigned"
	MessageInstallCertificate         MessageID = "InstallCertificate"
	MessageGetInstalledCertificateIds MessageID = "GetInstalledCertificateIds"
	MessageDeleteCertificate          MessageID = "DeleteCertificate"
)

var (
	ErrUnknownVendor    = errors.New("unknown data transfer vendor")
	ErrUnknownMessageID = errors.New("unknown data transfer message id")
)

// Payload is one variant of the DataTransfer union, keyed by its message id.
type Payload interface {
	MessageID() MessageID
}

// CertificateHashData identifies a certificate by its issuer and serial number.
type CertificateHashData struct {
	HashAlgorithm  string `json:"hashAlgorithm"`
	IssuerNameHash string `json:"issuerNameHash"`
	IssuerKeyHash  string `json:"issuerKeyHash"`
	SerialNumber   string `json:"serialNumber"`
}

// OCSPRequestData is a CertificateHashData with the responder to ask.
type OCSPRequestData struct {
	CertificateHashData
	ResponderURL string `json:"responderURL,omitempty"`
}

type IdToken struct {
	IdToken string `json:"idToken"`
	Type    string `json:"type"`
}

type IdTokenInfo struct {
	Status types.AuthorizationStatus `json:"status"`
}

type ISO15118AuthorizeRequest struct {
	IdToken                     IdToken           `json:"idToken"`
	Certificate                 string            `json:"certificate,omitempty"`
	ISO15118CertificateHashData []OCSPRequestData `json:"iso15118CertificateHashData,omitempty"`
	ConnectorId                 int               `json:"connectorId,omitempty"`
}

func (ISO15118AuthorizeRequest) MessageID() MessageID { return MessageAuthorize }

type ISO15118AuthorizeResponse struct {
	IdTokenInfo       IdTokenInfo `json:"idTokenInfo"`
	CertificateStatus string      `json:"certificateStatus,omitempty"`
}

type SignCertificateRequest struct {
	Csr             string `json:"csr"`
	CertificateType string `json:"certificateType,omitempty"`
}

func (SignCertificateRequest) MessageID() MessageID { return MessageSignCertificate }

type GetCertificateStatusRequest struct {
	OcspRequestData OCSPRequestData `json:"ocspRequestData"`
}

func (GetCertificateStatusRequest) MessageID() MessageID { return MessageGetCertificateStatus }

type GetCertificateStatusResponse struct {
	Status     string `json:"status"`
	OcspResult string `json:"ocspResult,omitempty"`
}

type CertificateSignedRequest struct {
	CertificateChain string `json:"certificateChain"`
	CertificateType  string `json:"certificateType,omitempty"`
}

func (CertificateSignedRequest) MessageID() MessageID { return MessageCertificateSigned }

type InstallCertificateRequest struct {
	CertificateType string `json:"certificateType"`
	Certificate     string `json:"certificate"`
}

func (InstallCertificateRequest) MessageID() MessageID { return MessageInstallCertificate }

type GetInstalledCertificateIdsRequest struct {
	CertificateType []string `json:"certificateType,omitempty"`
}

func (GetInstalledCertificateIdsRequest) MessageID() MessageID {
	return MessageGetInstalledCertificateIds
}

type CertificateHashDataChain struct {
	CertificateType          string                `json:"certificateType"`
	CertificateHashData      CertificateHashData   `json:"certificateHashData"`
	ChildCertificateHashData []CertificateHashData `json:"childCertificateHashData,omitempty"`
}

type GetInstalledCertificateIdsResponse struct {
	Status                   string                     `json:"status"`
	CertificateHashDataChain []CertificateHashDataChain `json:"certificateHashDataChain,omitempty"`
}

type DeleteCertificateRequest struct {
	CertificateHashData CertificateHashData `json:"certificateHashData"`
}

func (DeleteCertificateRequest) MessageID() MessageID { return MessageDeleteCertificate }

// GenericStatusResponse is the `{status}` answer shared by several variants.
type GenericStatusResponse struct {
	Status string `json:"status"`
}

// Certificate types used by the Plug & Charge extension.
const (
	CertificateTypeV2GRoot           = "V2GRootCertificate"
	CertificateTypeCSMSRoot          = "CSMSRootCertificate"
	CertificateTypeV2GCertificate    = "V2GCertificate"
	CertificateTypeChargingStation   = "ChargingStationCertificate"
	CertificateTypeMORootCertificate = "MORootCertificate"
)

var payloadFactories = map[MessageID]func() Payload{
	MessageAuthorize:                  func() Payload { return &ISO15118AuthorizeRequest{} },
	MessageSignCertificate:            func() Payload { return &SignCertificateRequest{} },
	MessageGetCertificateStatus:       func() Payload { return &GetCertificateStatusRequest{} },
	MessageCertificateSigned:          func() Payload { return &CertificateSignedRequest{} },
	MessageInstallCertificate:         func() Payload { return &InstallCertificateRequest{} },
	MessageGetInstalledCertificateIds: func() Payload { return &GetInstalledCertificateIdsRequest{} },
	MessageDeleteCertificate:          func() Payload { return &DeleteCertificateRequest{} },
}

// DecodeDataTransfer resolves the typed payload of a Plug & Charge DataTransfer.
// The returned Payload is a pointer to the variant registered for the message id.
func DecodeDataTransfer(req DataTransferRequest) (Payload, error) {
	if req.VendorId != VendorISO15118 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, req.VendorId)
	}
	factory, ok := payloadFactories[MessageID(req.MessageId)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageID, req.MessageId)
	}
	p := factory()
	if req.Data != "" {
		if err := json.Unmarshal([]byte(req.Data), p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", req.MessageId, err)
		}
	}
	return p, nil
}

// EncodeDataTransfer wraps a payload into a DataTransfer request. The data
// field carries the JSON encoded payload as a string.
func EncodeDataTransfer(p Payload) (DataTransferRequest, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return DataTransferRequest{}, fmt.Errorf("failed to encode %s payload: %w", p.MessageID(), err)
	}
	return DataTransferRequest{
		VendorId:  VendorISO15118,
		MessageId: string(p.MessageID()),
		Data:      string(data),
	}, nil
}

// DecodeDataTransferResponse unmarshals the data of a DataTransfer answer into out.
func DecodeDataTransferResponse(resp *DataTransferResponse, out any) error {
	if resp == nil || resp.Data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(resp.Data), out); err != nil {
		return fmt.Errorf("failed to decode data transfer response: %w", err)
	}
	return nil
}
