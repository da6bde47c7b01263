package device

import (
	"errors"

	"instrument-hub/internal/wait"
)

var (
	// ErrConnection wraps every failure reported by a hardware session.
	ErrConnection = errors.New("hardware session error")
	// ErrValidation is returned for malformed commands, missing capabilities
	// and targets outside the travel limits.
	ErrValidation     = errors.New("invalid command")
	ErrNotInitialized = errors.New("device not initialized")
	ErrShuttingDown   = errors.New("device shutting down")
	ErrQueueFull      = errors.New("device command queue full")
	ErrTimeout        = wait.ErrTimeout
)
