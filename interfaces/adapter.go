package interfaces

import (
	"context"
	"log/slog"
)

// Session is the adapter-owned authentication state of one deployment
// attempt: a cookie jar, a bearer token or an open SSH connection. A session
// belongs to exactly one adapter instance and is never shared.
type Session interface {
	// Valid reports whether the session can still be used for requests.
	Valid() bool

	// Close logs out where the protocol supports it and releases the
	// underlying transport. It is safe to call more than once.
	Close() error
}

// StagedHandle identifies certificate material that has been transmitted to
// the device but is not necessarily live yet.
type StagedHandle struct {
	// Name is the logical name the material was stored under.
	Name string

	// Fingerprint describes the staged leaf certificate.
	Fingerprint Fingerprint
}

// Adapter implements the deployment protocol of one device family. The
// orchestrator calls the operations strictly in order; adapters never retry
// internally except for following redirects during login.
type Adapter interface {
	// Name returns the adapter identifier, e.g. "supermicro-redfish".
	Name() string

	// Authenticate performs the vendor login and returns a fresh session.
	// Calling it again yields an equivalent session; the caller closes the
	// previous one.
	Authenticate(ctx context.Context, req DeploymentRequest) (Session, error)

	// StageCertificate transmits certificate and key under the logical name
	// from the request options. Re-staging the same name overwrites.
	StageCertificate(ctx context.Context, s Session, req DeploymentRequest) (StagedHandle, error)

	// Activate binds the staged certificate to the management TLS listener.
	Activate(ctx context.Context, s Session, h StagedHandle) error

	// ApplyAndMaybeRestart persists the configuration and, unless
	// opts.SkipRestart is set, restarts the management interface. A
	// connection dropped by the restart itself is not an error.
	ApplyAndMaybeRestart(ctx context.Context, s Session, opts Options) error

	// DescribeActiveCertificate reports what the device currently serves.
	DescribeActiveCertificate(ctx context.Context, s Session) (Fingerprint, error)
}

// AdapterFactory builds an adapter for one request. Factories validate the
// vendor-specific options (for example the model selector) and must not
// perform network I/O.
type AdapterFactory func(req DeploymentRequest, log *slog.Logger) (Adapter, error)
