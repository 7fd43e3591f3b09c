// Command certdeploy installs a TLS certificate on a device management
// interface (BMC, switch, UPS card) and verifies that the device serves it.
//
// All inputs can be given as flags or environment variables; the environment
// names of the legacy per-vendor hooks (IPMI_URL, IPMI_PASSWORD_ENV, ...)
// are accepted as aliases. The process exit code tells the caller what failed:
//
//	0 success              5 activation failed
//	1 internal error       6 verification failed
//	2 configuration        7 transient, safe to retry
//	3 authentication       8 interrupted
//	4 upload rejected
//
// Subcommands: deploy (default), verify, check, serve and adapters.
package main
