package types

import "errors"

// Run-level error kinds. Call sites wrap these with context using
// fmt.Errorf("...: %w", err) so callers can classify with errors.Is.
var (
	// ErrNetwork marks socket connect, read, or write failures.
	ErrNetwork = errors.New("network error")

	// ErrProtocol marks malformed frames or responses that match no
	// pending request.
	ErrProtocol = errors.New("protocol error")

	// ErrIntegrity marks a CRC mismatch on downloaded bytes.
	ErrIntegrity = errors.New("integrity error")

	// ErrMissingStagedData marks a save of an archive whose bytes were
	// never staged. This is a programming error in the driver.
	ErrMissingStagedData = errors.New("missing staged data")

	// ErrUnsupported marks an operation the storage adapter does not
	// provide.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrNotConnected is returned when a file request is issued before
	// the handshake completed.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyHandshaked is returned on a second handshake attempt on
	// the same client.
	ErrAlreadyHandshaked = errors.New("handshake already performed")
)
