// Package apcnmc deploys certificates to APC UPS network management cards
// over SSH.
//
// The certificate and key are copied with SCP into the card's /ssl directory
// under the configured name, overwriting earlier uploads, then imported with
// the card's "ssl key" and "ssl cert" commands. The card serves the new
// certificate after "reboot -Y", which drops the SSH connection.
//
// SSH host keys are pinned by fingerprint. Accepting any host key requires
// explicitly disabling host verification.
package apcnmc
