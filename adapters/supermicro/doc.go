// Package supermicro deploys certificates to Supermicro BMCs.
//
// Two protocols cover the supported generations:
//
//   - RedfishAdapter for X12 and X13 boards (H13 is treated as X12). Login
//     creates a Redfish session and every call carries X-Auth-Token. Only the
//     leaf certificate is uploaded; these controllers reject a chain.
//   - LegacyAdapter for X9, X10 and X11 boards, driving the CGI web UI with a
//     base64 form login, mandatory cookies and a CSRF token scraped from the
//     SSL configuration page.
//
// Both controllers keep a single certificate slot. Uploading replaces it,
// which makes re-running a deployment safe. The new certificate is served
// only after the BMC restarts; the restart drops the connection and that is
// not treated as an error.
package supermicro
