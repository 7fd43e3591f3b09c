// Package cryptoutils provides the certificate handling shared by the resolver,
// the adapters and the verification probe.
//
// Certificate material only ever lives in memory here. The package offers:
//
//   - TLSCert / TLSKey: validated PEM wrappers. TLSCert drops non-certificate
//     blocks (DH parameters and the like) and exposes the leaf and the chain.
//   - Fingerprint: the identifiers used to compare an intended certificate with
//     what a device serves. Devices report different subsets (full leaf from a
//     TLS handshake, only a validity window from a status page), so Matches
//     picks the strongest identifier both sides know.
//   - KeyMatchesCertificate: offline pairing check for operators.
//   - GenerateSelfSigned / X509KeyPair: throwaway certificates for tests and
//     device simulators.
package cryptoutils
