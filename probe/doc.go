// Package probe checks that a device serves the certificate that was deployed.
//
// A Probe reports what the device currently serves: TLSProbe reads it from a
// fresh TLS handshake, AdapterProbe asks the device through a fresh adapter
// session, and SessionProbe reuses a live session. The Verifier compares the
// result with the deployed fingerprint. A device that is unreachable right
// after a restart is given one grace period before the failure counts.
package probe
