package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"csms/internal/lock"
	"csms/internal/ocpp"
	"csms/internal/services"
	"csms/internal/smartcharging"
)

func readAll(r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrTransactionNotFound),
		errors.Is(err, services.ErrStationNotFound),
		errors.Is(err, smartcharging.ErrSiteAreaNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrTransactionAlreadyStopped),
		errors.Is(err, ocpp.ErrStationNotConnected),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, ocpp.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
