package port

import (
	"context"
	"io"
)

// Transport performs ranged fetches over one dedicated connection.
// A Transport is owned by a single worker; only Terminate and DownloadSpeed
// may be called from other goroutines.
type Transport interface {
	// SetURL sets the target URL
	SetURL(url string)

	// SetProxy binds the transport to a relay in [protocol://]host[:port][/]
	// form. An empty string means a direct connection.
	SetProxy(proxy string) error

	// SetCookies sets the Cookie header sent with every request
	SetCookies(cookies string)

	// SetRange sets the inclusive byte range as "start-end"
	SetRange(rng string)

	// Perform runs the request and streams the body into w
	Perform(ctx context.Context, w io.Writer) error

	// HTTPStatus returns the status code of the last response
	HTTPStatus() int

	// FileSize returns the total resource size reported by the last response,
	// or -1 if unknown
	FileSize() int64

	// DownloadSpeed returns the transfer rate in bytes/s of the current or
	// last transfer
	DownloadSpeed() float64

	// Terminate aborts an in-flight Perform
	Terminate()

	// Close releases idle connections
	Close()
}

// TransportFactory creates a fresh transport for one worker
type TransportFactory func() Transport
