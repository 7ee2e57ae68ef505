package client

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMutationPending is returned when the same action on the same incident
	// is already in flight. A report has no incident yet, so one client submits
	// one report at a time.
	ErrMutationPending   = errors.New("client: mutation already in flight")
	ErrMalformedResponse = errors.New("client: malformed response")
	ErrNotAuthenticated  = errors.New("client: not authenticated")
	// ErrCacheInvalidation marks a mutation the server applied whose stale
	// cache entries could not be deleted. The returned value is still valid.
	ErrCacheInvalidation = errors.New("client: cache invalidation failed")
)

// CacheError carries the keys a failed invalidation left behind. This client
// refetches them until the cache accepts a fresh value; other clients sharing
// the cache may still read the old entries.
type CacheError struct {
	Keys []string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCacheInvalidation, strings.Join(e.Keys, ","), e.Err)
}

func (e *CacheError) Unwrap() []error { return []error{ErrCacheInvalidation, e.Err} }

// RequestError is any non-2xx answer that is neither a validation failure nor
// an invalid transition.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status=%d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: status=%d code=%s %s", e.Status, e.Code, e.Message)
}

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func malformed(what string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(what, args...))
}
