package models

import "errors"

// Error taxonomy for the acquisition layer. Transient provider failures are
// retried with backoff; circuit-open failures fail fast until the breaker
// cools down; NoData is a skip, not an error condition for the dispatcher.
var (
	// ErrCircuitOpen is returned when a provider's circuit breaker is
	// tripped and its cooldown has not yet elapsed.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNoData means the symbol resolved but the provider returned
	// nothing usable.
	ErrNoData = errors.New("no data available")

	// ErrValidation covers malformed user input, rejected before any
	// network call.
	ErrValidation = errors.New("validation failed")
)
