// Package config resolves the deployer's inputs into an immutable
// interfaces.DeploymentRequest.
//
// Inputs come from a Source (the process environment in production, a map in
// tests, or a chain of both). Certificate and key must be PEM; the device
// address must match the adapter's transport; the password may be given
// directly, through DEVICE_PASSWORD_ENV naming another variable, or as a Vault
// KV v2 reference in DEVICE_PASSWORD_VAULT. A direct value always wins.
//
// Every failure is a *ConfigurationError naming the offending key, and
// errors.Is(err, interfaces.ErrConfiguration) holds for all of them. Unknown
// keys are ignored.
package config
