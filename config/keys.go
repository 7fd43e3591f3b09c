package config

// Configuration keys. Each input accepts a generic name and, where one of the
// legacy single-vendor hooks used a different name, that name as an alias.
const (
	KeyAdapter         = "ADAPTER"
	KeyDeviceURL       = "DEVICE_URL"
	KeyUsername        = "DEVICE_USERNAME"
	KeyPassword        = "DEVICE_PASSWORD"
	KeyPasswordEnv     = "DEVICE_PASSWORD_ENV"
	KeyPasswordVault   = "DEVICE_PASSWORD_VAULT"
	KeyCertificatePEM  = "CERTIFICATE_PEM"
	KeyPrivateKeyPEM   = "PRIVATE_KEY_PEM"
	KeyCertificateName = "CERT_NAME"
	KeyModel           = "DEVICE_MODEL"
	KeyNoReboot        = "NO_REBOOT"
	KeyNoSave          = "NO_SAVE"
	KeyLegacyCiphers   = "LEGACY_CIPHERS"
	KeyTLSInsecure     = "TLS_INSECURE"
	KeySSHHostKey      = "SSH_HOST_KEY"
)

var aliases = map[string][]string{
	KeyDeviceURL:   {"IPMI_URL", "DEVICE_HOST"},
	KeyUsername:    {"IPMI_USERNAME"},
	KeyPassword:    {"IPMI_PASSWORD"},
	KeyPasswordEnv: {"IPMI_PASSWORD_ENV"},
	KeyModel:       {"IPMI_MODEL"},
	KeyNoReboot:    {"IPMI_NO_REBOOT"},
}

// Names returns the key followed by its aliases, in lookup order.
func Names(key string) []string {
	return append([]string{key}, aliases[key]...)
}

// lookup returns the first non-empty value among key and its aliases.
func lookup(src Source, key string) (string, bool) {
	for _, name := range Names(key) {
		if v, ok := src.Lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
