package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrLockHeld             = errors.New("lock already held")
	ErrAdapterNotConnected  = errors.New("adapter not connected")
	ErrLeverageNotSupported = errors.New("leverage not supported by venue")
	ErrSwapNotSupported     = errors.New("swap not supported by venue")
	ErrFundingNotSupported  = errors.New("funding rate not supported by venue")
	ErrUnknownVenueKind     = errors.New("unknown venue kind")
	ErrMissingCredentials   = errors.New("missing venue credentials")
	ErrPoolClosed           = errors.New("connection pool closed")
	ErrBatchInFlight        = errors.New("batch already in flight")
	ErrNoBridgeRoute        = errors.New("no bridge route")
	ErrInvalidOrder         = errors.New("invalid order parameters")
	ErrSessionClosed        = errors.New("session closed")
)
