package flags

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/LukeEvansTech/certdeploy/common"
	"github.com/LukeEvansTech/certdeploy/config"
	"github.com/LukeEvansTech/certdeploy/exporter"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the logging flags. With --log-uid
// every record carries a random run id, which is also returned so that it can
// tag archived results.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger, runID string) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	runID = uuid.Must(uuid.NewRandom()).String()
	if logUID {
		logger = logger.With("uid", runID)
	}
	return logger, runID
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *exporter.ServerConfig {
	return &exporter.ServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 0,
	Usage: "seconds to report not-ready before shutting down",
}
var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "0.0.0.0:8000",
	Usage:   "address to serve /metrics and /health on",
	EnvVars: []string{"LISTEN_ADDR"},
}
var PollIntervalFlagFn = func(def time.Duration) *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   def,
		Usage:   "time between collection cycles",
		EnvVars: []string{"POLL_INTERVAL"},
	}
}

func LoggingFlags(service string) []cli.Flag {
	return []cli.Flag{
		LogJsonFlag,
		LogDebugFlag,
		LogUidFlag,
		LogServiceFlagFn(service),
	}
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
}

// keyFlag binds a configuration key to a string flag that also reads the key
// and its aliases from the environment.
type keyFlag struct {
	flag *cli.StringFlag
	key  string
}

// Boolean inputs are plain switches; their environment spellings (yes, 1, ...)
// are read by config.EnvSource rather than by the flag parser.
type switchFlag struct {
	flag *cli.BoolFlag
	key  string
}

func stringKeyFlag(name, key, usage string) keyFlag {
	return keyFlag{
		flag: &cli.StringFlag{Name: name, Usage: usage, EnvVars: config.Names(key)},
		key:  key,
	}
}

func switchKeyFlag(name, key, usage string) switchFlag {
	return switchFlag{
		flag: &cli.BoolFlag{Name: name, Usage: fmt.Sprintf("%s (env %s)", usage, key)},
		key:  key,
	}
}

var deviceKeyFlags = []keyFlag{
	stringKeyFlag("adapter", config.KeyAdapter, "device adapter: supermicro, onyx or apcnmc"),
	stringKeyFlag("device-url", config.KeyDeviceURL, "device address (URL for HTTP adapters, host[:port] for SSH)"),
	stringKeyFlag("username", config.KeyUsername, "device login name"),
	stringKeyFlag("password", config.KeyPassword, "device password"),
	stringKeyFlag("password-env", config.KeyPasswordEnv, "name of the environment variable holding the device password"),
	stringKeyFlag("password-vault", config.KeyPasswordVault, "Vault KV v2 reference mount/path#field holding the device password"),
	stringKeyFlag("cert-name", config.KeyCertificateName, "certificate name on devices that store named certificates"),
	stringKeyFlag("model", config.KeyModel, "hardware generation for adapters serving several (e.g. X11, X12)"),
	stringKeyFlag("ssh-host-key", config.KeySSHHostKey, "pinned SSH host key fingerprint (SHA256:...)"),
}

var deviceSwitchFlags = []switchFlag{
	switchKeyFlag("no-reboot", config.KeyNoReboot, "do not restart the management interface"),
	switchKeyFlag("no-save", config.KeyNoSave, "do not persist the running configuration"),
	switchKeyFlag("legacy-ciphers", config.KeyLegacyCiphers, "allow TLS 1.0, CBC suites and SHA-1 SSH algorithms"),
	switchKeyFlag("tls-insecure", config.KeyTLSInsecure, "skip TLS and SSH host verification towards the device"),
}

// The PEM inputs are normally passed through the environment; the file flags
// read them into memory only.
var CertificateFileFlag = &cli.StringFlag{
	Name:  "certificate-file",
	Usage: "read the PEM certificate chain from this file instead of CERTIFICATE_PEM",
}
var PrivateKeyFileFlag = &cli.StringFlag{
	Name:  "private-key-file",
	Usage: "read the PEM private key from this file instead of PRIVATE_KEY_PEM",
}

var StepTimeoutFlag = &cli.DurationFlag{
	Name:    "step-timeout",
	Value:   30 * time.Second,
	Usage:   "deadline for each device operation",
	EnvVars: []string{"STEP_TIMEOUT"},
}
var RetryBackoffFlag = &cli.DurationFlag{
	Name:    "retry-backoff",
	Value:   2 * time.Second,
	Usage:   "wait before the single retry of a transient failure",
	EnvVars: []string{"RETRY_BACKOFF"},
}
var RestartGraceFlag = &cli.DurationFlag{
	Name:    "restart-grace",
	Value:   60 * time.Second,
	Usage:   "how long a restarting device may stay unreachable before verification gives up",
	EnvVars: []string{"RESTART_GRACE"},
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address for --password-vault",
	EnvVars: []string{"VAULT_ADDR"},
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault token for --password-vault",
	EnvVars: []string{"VAULT_TOKEN"},
}

var S3BucketFlag = &cli.StringFlag{
	Name:    "results-s3-bucket",
	Usage:   "archive each result as JSON in this S3 bucket",
	EnvVars: []string{"RESULTS_S3_BUCKET"},
}
var S3PrefixFlag = &cli.StringFlag{
	Name:    "results-s3-prefix",
	Value:   "certdeploy",
	Usage:   "key prefix for archived results",
	EnvVars: []string{"RESULTS_S3_PREFIX"},
}
var S3RegionFlag = &cli.StringFlag{
	Name:    "results-s3-region",
	Value:   "us-east-1",
	Usage:   "region of the results bucket",
	EnvVars: []string{"RESULTS_S3_REGION", "AWS_REGION"},
}
var S3EndpointFlag = &cli.StringFlag{
	Name:    "results-s3-endpoint",
	Usage:   "S3-compatible endpoint for the results bucket",
	EnvVars: []string{"RESULTS_S3_ENDPOINT"},
}
var S3AccessKeyFlag = &cli.StringFlag{
	Name:    "results-s3-access-key",
	Usage:   "access key for the results bucket; the AWS default chain is used when empty",
	EnvVars: []string{"RESULTS_S3_ACCESS_KEY"},
}
var S3SecretKeyFlag = &cli.StringFlag{
	Name:    "results-s3-secret-key",
	Usage:   "secret key for the results bucket",
	EnvVars: []string{"RESULTS_S3_SECRET_KEY"},
}

// DeviceFlags are the inputs of a single deployment.
func DeviceFlags() []cli.Flag {
	var out []cli.Flag
	for _, f := range deviceKeyFlags {
		out = append(out, f.flag)
	}
	for _, f := range deviceSwitchFlags {
		out = append(out, f.flag)
	}
	return append(out, CertificateFileFlag, PrivateKeyFileFlag, VaultAddrFlag, VaultTokenFlag)
}

var OrchestratorFlags = []cli.Flag{
	StepTimeoutFlag,
	RetryBackoffFlag,
	RestartGraceFlag,
}

var ResultSinkFlags = []cli.Flag{
	S3BucketFlag,
	S3PrefixFlag,
	S3RegionFlag,
	S3EndpointFlag,
	S3AccessKeyFlag,
	S3SecretKeyFlag,
}

// DeviceSource returns the configuration the resolver reads: values given as
// flags (or through their environment variables) first, then the raw process
// environment, which also serves DEVICE_PASSWORD_ENV indirection and the
// environment spellings of the switches.
func DeviceSource(cCtx *cli.Context) (config.Source, error) {
	values := config.MapSource{}
	for _, f := range deviceKeyFlags {
		if v := cCtx.String(f.flag.Name); v != "" {
			values[f.key] = v
		}
	}
	for _, f := range deviceSwitchFlags {
		if cCtx.Bool(f.flag.Name) {
			values[f.key] = "true"
		}
	}

	for flag, key := range map[*cli.StringFlag]string{
		CertificateFileFlag: config.KeyCertificatePEM,
		PrivateKeyFileFlag:  config.KeyPrivateKeyPEM,
	} {
		path := cCtx.String(flag.Name)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "--" + flag.Name, Reason: "could not be read", Err: err}
		}
		values[key] = string(data)
	}

	return config.ChainSource{values, config.EnvSource{}}, nil
}
