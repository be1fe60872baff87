package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"csms/internal/config"
	"csms/internal/models"
	"csms/internal/security"
	"csms/internal/smartcharging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type StationStore interface {
	Get(ctx context.Context, id string) (*models.ChargingStation, error)
	GetSecretHash(ctx context.Context, id string) (string, bool, error)
	TouchLastSeen(ctx context.Context, id string, t time.Time) error
	ListConnectors(ctx context.Context, stationID string) ([]*models.Connector, error)
}

type TransactionStore interface {
	Get(ctx context.Context, id int) (*models.Transaction, error)
	ListByStation(ctx context.Context, stationID string, limit int) ([]*models.Transaction, error)
}

type CommandStore interface {
	GetByIdempotency(ctx context.Context, idem string) (*models.Command, error)
}

type SiteAreaStore interface {
	Create(ctx context.Context, name string, maxAmps float64) (string, error)
	Get(ctx context.Context, id string) (*models.SiteArea, error)
}

type TariffStore interface {
	UpsertActiveForSiteArea(ctx context.Context, siteAreaID string, pricePerKwh float64, currency string, windows []models.PriceWindow) (string, error)
}

type SettlementStore interface {
	List(ctx context.Context, status string, limit int) ([]models.Settlement, error)
	MarkFailed(ctx context.Context, settlementID string, errMsg string) error
}

// CommandSender delivers operator commands. Implemented by gatewayclient.Client.
type CommandSender interface {
	Send(ctx context.Context, stationID, commandType, idempotencyKey string, payload any) (json.RawMessage, error)
}

// EventIngester processes one gateway call. Implemented by services.Dispatcher.
type EventIngester interface {
	Ingest(ctx context.Context, raw []byte) (any, error)
}

type RemoteStopper interface {
	RemoteStop(ctx context.Context, transactionID int, tagID, userID string) error
}

type SmartCharging interface {
	ComputeAndApplyChargingProfiles(ctx context.Context, siteAreaID string) (smartcharging.Result, error)
}

type Server struct {
	Cfg          config.Config
	Stations     StationStore
	Transactions TransactionStore
	Commands     CommandStore
	SiteAreas    SiteAreaStore
	Tariffs      TariffStore
	Settlements  SettlementStore
	Gateway      CommandSender
	Dispatcher   EventIngester
	RemoteStop   RemoteStopper
	Smart        SmartCharging

	logger *zap.Logger
	now    func() time.Time
}

func NewServer(cfg config.Config, logger *zap.Logger) *Server {
	return &Server{
		Cfg:    cfg,
		logger: logger.Named("http"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Route("/v1/gateway", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.Cfg.GatewayAPIKey, next) })
		r.Post("/chargers/{chargePointId}/auth", s.AuthCharger)
		r.Post("/events", s.IngestEvent)
	})

	r.Get("/v1/chargers/{chargePointId}", s.GetCharger)
	r.Get("/v1/chargers/{chargePointId}/connectors", s.ListConnectors)
	r.Get("/v1/chargers/{chargePointId}/transactions", s.ListTransactionsByCharger)
	r.Get("/v1/transactions/{transactionId}", s.GetTransaction)
	r.Post("/v1/transactions/{transactionId}/remote-stop", s.RemoteStopTransaction)

	r.Post("/v1/site-areas", s.CreateSiteArea)
	r.Put("/v1/site-areas/{siteAreaId}/tariff", s.UpsertActiveTariff)
	r.Post("/v1/site-areas/{siteAreaId}/smart-charging", s.ApplySmartCharging)

	r.Get("/v1/settlements", s.ListSettlements)
	r.Post("/v1/settlements/{settlementId}/failed", s.MarkSettlementFailed)

	r.Post("/v1/commands", s.CreateAndSendCommand)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

type authReq struct {
	PresentedSecret string `json:"presentedSecret"`
	RemoteAddr      string `json:"remoteAddr,omitempty"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
}

type authResp struct {
	Allowed     bool   `json:"allowed"`
	OcppVersion string `json:"ocppVersion,omitempty"`
}

func (s *Server) AuthCharger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")

	var req authReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	hash, active, err := s.Stations.GetSecretHash(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if !active || hash == "" || !security.ConstantTimeEqualHex(hash, security.HashSecretSHA256(req.PresentedSecret)) {
		s.logger.Info("station authentication refused", zap.String("charge_point_id", id), zap.String("remote_addr", req.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, authResp{Allowed: false})
		return
	}

	if err := s.Stations.TouchLastSeen(r.Context(), id, s.now()); err != nil {
		s.logger.Debug("failed to touch station", zap.String("charge_point_id", id), zap.Error(err))
	}
	version := "1.6"
	if st, err := s.Stations.Get(r.Context(), id); err == nil && st != nil && st.OcppVersion != "" {
		version = st.OcppVersion
	}
	writeJSON(w, http.StatusOK, authResp{Allowed: true, OcppVersion: version})
}

// IngestEvent answers the gateway with the OCPP response payload of the call.
func (s *Server) IngestEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := readAll(r, 2<<20)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	resp, err := s.Dispatcher.Ingest(r.Context(), raw)
	if resp == nil {
		msg := "empty response"
		if err != nil {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) GetCharger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")
	st, err := s.Stations.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) ListConnectors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")
	items, err := s.Stations.ListConnectors(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) ListTransactionsByCharger(w http.ResponseWriter, r *http.Request) {
	cp := chi.URLParam(r, "chargePointId")
	items, err := s.Transactions.ListByStation(r.Context(), cp, queryLimit(r))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	tx, err := s.Transactions.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if tx == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func queryLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return limit
}

func transactionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "transactionId"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid transactionId", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
