// Package transport provides the single-use network clients adapters build per
// deployment attempt: an HTTP client with its own cookie jar and
// method-preserving redirects, an SSH client with host key pinning and SCP
// upload, and a TLS handshake helper for reading the certificate a device
// serves.
//
// Raw network failures are mapped to interfaces.ErrTransientTransport by
// Classify so that the orchestrator can decide on its single retry without
// knowing about sockets.
package transport
