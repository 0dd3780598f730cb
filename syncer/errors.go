package syncer

import "fmt"

// UpstreamError marks a failure talking to the Twitch API. Callers treat these
// as transient and subject to backoff.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StoreError marks a failure persisting to Postgres. Flush paths requeue the
// batch and retry on these.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError marks bad caller input. The HTTP layer maps these to 400s.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg) }
