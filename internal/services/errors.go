package services

import "errors"

var (
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrTransactionAlreadyStopped = errors.New("transaction already stopped")
	ErrStaleTransactionLoop      = errors.New("stale transaction already processed")
	ErrStationNotFound           = errors.New("charging station not found")
	ErrConnectorNotFound         = errors.New("connector not found")
)
