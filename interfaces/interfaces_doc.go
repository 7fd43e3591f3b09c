// Package interfaces defines the contract between the components of the
// certificate deployer without any implementation details.
//
// # Request
//
// DeploymentRequest is built once per invocation by the config resolver and
// never mutated: certificate chain, private key, device address, credentials
// and Options. Accessors hand out copies of the key material.
//
// # Adapter contract
//
// Every device family implements Adapter:
//
//	Authenticate -> StageCertificate -> Activate -> ApplyAndMaybeRestart -> DescribeActiveCertificate
//
// An adapter owns its Session (cookie jar, token or SSH connection) for the
// lifetime of one attempt. Adding a device family means adding an Adapter and
// an AdapterFactory; the orchestrator does not change.
//
// # Errors
//
// Adapters wrap failures with one of the sentinel errors (ErrAuthentication,
// ErrUpload, ErrActivation, ...) so that the orchestrator and the reporter
// can classify them with errors.Is. ErrTransientTransport is the only class
// that is ever retried.
package interfaces
