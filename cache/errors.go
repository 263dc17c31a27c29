package cache

import "errors"

var (
	// ErrNotFound is returned when a key or group is not resident.
	ErrNotFound = errors.New("cache: not found")

	// ErrNotLoaded is returned by Scope.Borrow for a key that is not loaded.
	ErrNotLoaded = errors.New("cache: key not loaded")

	// ErrLoadFailed wraps a provider failure. It is delivered to every
	// waiter of the failed load; nothing is installed.
	ErrLoadFailed = errors.New("cache: load failed")

	// ErrDoubleRelease is returned when a key with no outstanding references
	// is released. The count stays at zero.
	ErrDoubleRelease = errors.New("cache: double release")

	// ErrGroupMismatch marks a preload batch that returned fewer payloads
	// than requested. It is logged, never returned.
	ErrGroupMismatch = errors.New("cache: preload batch missing keys")

	// ErrTagUnsupported is returned by PreloadTag when the provider does not
	// implement TagProvider.
	ErrTagUnsupported = errors.New("cache: provider does not support tags")

	// ErrNotOwned is returned by Scope.ReleaseNow for a key the scope does
	// not hold.
	ErrNotOwned = errors.New("cache: key not owned by scope")

	// ErrScopeEnded is returned when borrowing through an ended scope.
	ErrScopeEnded = errors.New("cache: scope ended")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)
