package campaign

import "errors"

var (
	ErrNotFound            = errors.New("campaign: not found")
	ErrInvalidArgument     = errors.New("campaign: invalid argument")
	ErrInvalidTransition   = errors.New("campaign: invalid status transition")
	ErrNoRecipients        = errors.New("campaign: no recipients")
	ErrQueueNotInitialized = errors.New("campaign: queue not initialized")
	ErrQueueStopped        = errors.New("campaign: queue stopped")
	ErrPersistence         = errors.New("campaign: persisting chunk results failed")
	ErrLeaseLost           = errors.New("campaign: chunk lease lost")
)
