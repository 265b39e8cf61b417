package domain

import "errors"

var (
	// ErrNotAuthenticated means the caller has no valid identity.
	ErrNotAuthenticated = errors.New("presence: not authenticated")
	// ErrRecordNotFound means no presence exists for the requested pair.
	ErrRecordNotFound = errors.New("presence: record not found")
	// ErrWriteFailed is a transient store failure; the next heartbeat retries.
	ErrWriteFailed = errors.New("presence: write failed")
	// ErrRaceDuplicate is a unique violation on the (workspace, user) key.
	ErrRaceDuplicate = errors.New("presence: duplicate record for identity")
)
