package domain

import "errors"

// Sentinel errors shared across services, repositories and transport
// adapters. HTTP and OCPP layers map these to their own wire formats.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate entity")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAccountLocked       = errors.New("account locked")
	ErrForbidden           = errors.New("forbidden")
	ErrTenantRequired      = errors.New("tenant identification required")
	ErrTenantMismatch      = errors.New("tenant mismatch")
	ErrTenantImmutable     = errors.New("tenant immutable")
	ErrInvalidTenant       = errors.New("invalid or inactive tenant")
	ErrInvalidSessionState = errors.New("invalid session state transition")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrStationOffline      = errors.New("station offline")
	ErrActiveSessionExists = errors.New("connector already has an active session")
	ErrCallTimeout         = errors.New("call timed out")
	ErrCallCancelled       = errors.New("call cancelled")
)
