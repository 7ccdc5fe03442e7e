package domain

import "errors"

var (
	// ErrUnreadableSource signals a source file that cannot be read or parsed.
	ErrUnreadableSource = errors.New("unreadable source")
	// ErrDimensionMismatch signals a vector whose length differs from the index dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrRateLimited signals a rate limit hit at the provider.
	ErrRateLimited = errors.New("rate limited")
	// ErrProviderUnavailable signals a transient provider failure (network, timeout, 5xx).
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrIndexUnavailable signals a missing or corrupt persisted index snapshot.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrInvalidConfig signals a configuration error. Fatal at startup.
	ErrInvalidConfig = errors.New("invalid configuration")
)
