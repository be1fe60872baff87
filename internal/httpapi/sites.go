package httpapi

import (
	"encoding/json"
	"net/http"

	"csms/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type createSiteAreaReq struct {
	Name    string  `json:"name"`
	MaxAmps float64 `json:"maxAmps"`
}

func (s *Server) CreateSiteArea(w http.ResponseWriter, r *http.Request) {
	var req createSiteAreaReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.MaxAmps < 0 {
		http.Error(w, "invalid json/name/maxAmps", http.StatusBadRequest)
		return
	}
	id, err := s.SiteAreas.Create(r.Context(), req.Name, req.MaxAmps)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"siteAreaId": id, "name": req.Name, "maxAmps": req.MaxAmps})
}

type upsertTariffReq struct {
	PricePerKwh float64              `json:"pricePerKwh"`
	Currency    string               `json:"currency"`
	Windows     []models.PriceWindow `json:"windows"`
}

func (s *Server) UpsertActiveTariff(w http.ResponseWriter, r *http.Request) {
	siteAreaID := chi.URLParam(r, "siteAreaId")
	var req upsertTariffReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PricePerKwh < 0 {
		http.Error(w, "invalid json/pricePerKwh", http.StatusBadRequest)
		return
	}
	for _, win := range req.Windows {
		if !win.To.After(win.From) || win.PricePerKwh < 0 {
			http.Error(w, "invalid price window", http.StatusBadRequest)
			return
		}
	}
	if req.Currency == "" {
		req.Currency = "EUR"
	}
	site, err := s.SiteAreas.Get(r.Context(), siteAreaID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if site == nil {
		http.NotFound(w, r)
		return
	}
	id, err := s.Tariffs.UpsertActiveForSiteArea(r.Context(), siteAreaID, req.PricePerKwh, req.Currency, req.Windows)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tariffId":    id,
		"siteAreaId":  siteAreaID,
		"pricePerKwh": req.PricePerKwh,
		"currency":    req.Currency,
		"windows":     req.Windows,
		"isActive":    true,
	})
}

// ApplySmartCharging recomputes and pushes the site area's charging profiles
// synchronously.
func (s *Server) ApplySmartCharging(w http.ResponseWriter, r *http.Request) {
	siteAreaID := chi.URLParam(r, "siteAreaId")
	res, err := s.Smart.ComputeAndApplyChargingProfiles(r.Context(), siteAreaID)
	if err != nil {
		s.logger.Warn("smart charging request failed", zap.String("site_area_id", siteAreaID), zap.Error(err))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
