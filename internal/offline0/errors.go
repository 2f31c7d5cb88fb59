package offline0

import "errors"

var (
	// ErrNetworkUnavailable covers every failed or aborted origin round trip.
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrCacheMiss          = errors.New("cache miss")
	// ErrNotCacheable marks requests that are passed through untouched
	// (excluded origin or non-GET).
	ErrNotCacheable  = errors.New("resource not cacheable")
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	ErrSyncReplayFailed          = errors.New("sync replay failed")
	ErrInstallManifestIncomplete = errors.New("install manifest incomplete")
	ErrPermissionDenied          = errors.New("notification permission denied")

	ErrNoWaitingGeneration = errors.New("no waiting generation")
	ErrNotRegistered       = errors.New("worker not registered")
	ErrInvalidState        = errors.New("invalid state")
)
