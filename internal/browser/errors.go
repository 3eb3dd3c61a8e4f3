package browser

import "errors"

// Failure sentinels returned (wrapped) by Session operations. Match them with errors.Is.
var (
	// ErrBrowserUnavailable means no browser executable or remote endpoint could be used.
	ErrBrowserUnavailable = errors.New("browser unavailable")
	// ErrPageNotFound means the target document path does not resolve to a file.
	ErrPageNotFound = errors.New("page not found")
	// ErrElementNotFound means a selector matched nothing at interaction time.
	ErrElementNotFound = errors.New("element not found")
	// ErrElementNotInteractable means the element is hidden, disabled or detached.
	ErrElementNotInteractable = errors.New("element not interactable")
	// ErrAssertionFailed means an expected element is not visible.
	ErrAssertionFailed = errors.New("assertion failed")
	// ErrWaitTimeout means a polled condition did not hold before its deadline.
	ErrWaitTimeout = errors.New("wait timed out")
	// ErrSessionReleased is returned when a released session is used again.
	ErrSessionReleased = errors.New("session released")
)
