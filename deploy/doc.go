// Package deploy drives a vendor adapter through the certificate deployment
// state machine and produces exactly one Result per invocation.
//
// The states only move forward:
//
//	Unauthenticated -> Authenticated -> CertificateStaged -> CertificateActive -> Verified
//
// and any of them may end in Failed. Every network step runs under its own
// timeout. A step failing with a transient transport error is retried once
// after a fixed backoff, on a fresh session; any other failure ends the run.
// Nothing is rolled back: a certificate that was staged stays staged, and
// re-running the deployment converges because staging overwrites.
package deploy
