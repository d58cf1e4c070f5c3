package wire

import "fmt"

// Typed errors for the push-processing error taxonomy. Callers match with
// errors.Is/errors.As instead of comparing kind strings; the kind strings
// themselves are only used at the JSON boundary.

// AppError wraps a mutator-function failure (kind "app"). The LMID still
// advances; the client treats this as resolved.
type AppError struct {
	Details string
}

func (e *AppError) Error() string { return fmt.Sprintf("app error: %s", e.Details) }

// OOOMutationError signals a gap or replay ahead of the client's expected
// next mutation ID (kind "oooMutation").
type OOOMutationError struct {
	ClientID string
	Got      int64
	Expected int64
}

func (e *OOOMutationError) Error() string {
	return fmt.Sprintf("Client %s sent mutation ID %d but expected %d", e.ClientID, e.Got, e.Expected)
}

// HTTPError wraps an upstream non-2xx response (kind "http").
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// ZeroPusherError wraps a network/transport failure reaching the upstream
// endpoint, or a failure to parse its reply (kind "zeroPusher").
type ZeroPusherError struct {
	Details string
}

func (e *ZeroPusherError) Error() string { return fmt.Sprintf("zero pusher: %s", e.Details) }

// UnsupportedPushVersionError is fatal: the whole push is rejected.
type UnsupportedPushVersionError struct {
	Got int
}

func (e *UnsupportedPushVersionError) Error() string {
	return fmt.Sprintf("unsupported push version %d", e.Got)
}

// UnsupportedSchemaVersionError is fatal: the whole push is rejected.
type UnsupportedSchemaVersionError struct {
	Got string
}

func (e *UnsupportedSchemaVersionError) Error() string {
	return fmt.Sprintf("unsupported schema version %q", e.Got)
}

// InvalidPushError terminates a client's output stream. It is never
// retried by the pusher; the transport above must tear down the
// connection.
type InvalidPushError struct {
	Reason string
}

func (e *InvalidPushError) Error() string { return fmt.Sprintf("invalid push: %s", e.Reason) }

// ErrDuplicateConnection is a programming error: initConnection was called
// twice with the same (clientID, wsEpoch) pair.
type ErrDuplicateConnection struct {
	ClientID string
	WSEpoch  string
}

func (e *ErrDuplicateConnection) Error() string {
	return fmt.Sprintf("connection already initialized for client %s epoch %s", e.ClientID, e.WSEpoch)
}

// ErrCoalesceInvariant reports that two entries sharing a clientID disagreed
// on jwt, schemaVersion, or pushVersion.
type ErrCoalesceInvariant struct {
	ClientID string
	Field    string
}

func (e *ErrCoalesceInvariant) Error() string {
	return fmt.Sprintf("coalesce invariant violated for client %s: mismatched %s", e.ClientID, e.Field)
}

// ErrReservedQueryParam reports that the configured push URL already
// contains a query parameter the dispatcher must own.
type ErrReservedQueryParam struct {
	Param string
}

func (e *ErrReservedQueryParam) Error() string {
	return fmt.Sprintf("push URL already specifies reserved query parameter %q", e.Param)
}
