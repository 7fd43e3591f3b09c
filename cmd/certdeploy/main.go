package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/LukeEvansTech/certdeploy/cmd/flags"
	"github.com/LukeEvansTech/certdeploy/common"
	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/deploy"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/probe"
	"github.com/LukeEvansTech/certdeploy/report"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "certdeploy",
		Usage:          "Deploy a TLS certificate to a device management interface and verify it",
		Version:        common.Version,
		Flags:          flags.LoggingFlags("certdeploy"),
		DefaultCommand: "deploy",
		Commands: []*cli.Command{
			{
				Name:   "deploy",
				Usage:  "authenticate, upload, activate, restart and verify",
				Flags:  concat(flags.DeviceFlags(), flags.OrchestratorFlags, flags.ResultSinkFlags),
				Action: runDeploy,
			},
			{
				Name:  "verify",
				Usage: "check that the device serves the configured certificate, without changing it",
				Flags: concat(flags.DeviceFlags(), []cli.Flag{
					&cli.BoolFlag{Name: "tls", Usage: "read the certificate with a TLS handshake instead of the device API"},
				}),
				Action: runVerify,
			},
			{
				Name:   "check",
				Usage:  "validate inputs offline, including that the key belongs to the certificate",
				Flags:  flags.DeviceFlags(),
				Action: runCheck,
			},
			{
				Name:   "serve",
				Usage:  "deploy and verify periodically and expose the results on /metrics",
				Flags:  concat(flags.DeviceFlags(), flags.OrchestratorFlags, flags.ResultSinkFlags, flags.ServerFlags, []cli.Flag{flags.PollIntervalFlagFn(24 * time.Hour)}),
				Action: runServe,
			},
			{
				Name:   "adapters",
				Usage:  "list supported adapters and model selectors",
				Action: runAdapters,
			},
		},
	}
}

func concat(lists ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// exit turns an exit code into the error urfave/cli exits with.
func exit(code int) error {
	if code == report.ExitSuccess {
		return nil
	}
	return cli.Exit("", code)
}

func signalContext(cCtx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
}

func newPipeline(cCtx *cli.Context, log *slog.Logger) (*pipeline, error) {
	src, err := flags.DeviceSource(cCtx)
	if err != nil {
		return nil, err
	}
	secrets, err := secretReader(src, cCtx.String(flags.VaultAddrFlag.Name), cCtx.String(flags.VaultTokenFlag.Name), log)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		registry:     deploy.DefaultRegistry(),
		src:          src,
		secrets:      secrets,
		log:          log,
		stepTimeout:  cCtx.Duration(flags.StepTimeoutFlag.Name),
		retryBackoff: cCtx.Duration(flags.RetryBackoffFlag.Name),
		restartGrace: cCtx.Duration(flags.RestartGraceFlag.Name),
	}, nil
}

func newReporter(cCtx *cli.Context, log *slog.Logger, runID string) (*report.Reporter, error) {
	r := &report.Reporter{Log: log, RunID: runID}
	bucket := cCtx.String(flags.S3BucketFlag.Name)
	if bucket == "" {
		return r, nil
	}
	sink, err := report.NewS3Sink(report.S3Config{
		Bucket:    bucket,
		Prefix:    cCtx.String(flags.S3PrefixFlag.Name),
		Region:    cCtx.String(flags.S3RegionFlag.Name),
		Endpoint:  cCtx.String(flags.S3EndpointFlag.Name),
		AccessKey: cCtx.String(flags.S3AccessKeyFlag.Name),
		SecretKey: cCtx.String(flags.S3SecretKeyFlag.Name),
	}, log)
	if err != nil {
		return nil, err
	}
	log.Debug("Archiving results", slog.String("location", sink.LocationURI()))
	r.Sink = sink
	return r, nil
}

func runDeploy(cCtx *cli.Context) error {
	logger, runID := flags.SetupLogger(cCtx)
	ctx, stop := signalContext(cCtx)
	defer stop()

	reporter, err := newReporter(cCtx, logger, runID)
	if err != nil {
		logger.Error("Failed to configure result archive", "err", err)
		return exit(report.ExitConfiguration)
	}

	p, err := newPipeline(cCtx, logger)
	if err != nil {
		return exit(reporter.Report(ctx, preparationFailure(target{}, err, time.Now())))
	}
	return exit(reporter.Report(ctx, p.deploy(ctx)))
}

func runVerify(cCtx *cli.Context) error {
	logger, _ := flags.SetupLogger(cCtx)
	ctx, stop := signalContext(cCtx)
	defer stop()

	p, err := newPipeline(cCtx, logger)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return exit(report.ExitCodeForError(err))
	}
	if cCtx.Bool("tls") {
		_, req, err := p.resolve(ctx)
		if err != nil {
			logger.Error("Invalid configuration", "err", err)
			return exit(report.ExitCodeForError(err))
		}
		tlsProbe, err := probe.NewTLSProbe(req.Address(), req.Options().LegacyCiphers)
		if err != nil {
			logger.Error("Invalid configuration", "err", err)
			return exit(report.ExitCodeForError(err))
		}
		p.probe = tlsProbe
	}

	res, t, err := p.verify(ctx)
	if err != nil {
		logger.Error("Verification failed", slog.String("adapter", t.variant.Name), slog.String("device", t.req.Address()), "err", err)
		return exit(report.ExitCodeForError(err))
	}

	attrs := []any{
		slog.String("adapter", t.variant.Name),
		slog.String("device", t.req.Address()),
		slog.String("outcome", res.Outcome.String()),
		slog.String("served", res.Served.String()),
	}
	if res.Outcome == probe.Match {
		logger.Info("Device serves the configured certificate", attrs...)
		return nil
	}
	logger.Error("Device does not serve the configured certificate", append(attrs, "err", res.Err)...)
	return exit(report.ExitCodeForError(res.Err))
}

func runCheck(cCtx *cli.Context) error {
	logger, _ := flags.SetupLogger(cCtx)
	ctx, stop := signalContext(cCtx)
	defer stop()

	p, err := newPipeline(cCtx, logger)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return exit(report.ExitCodeForError(err))
	}
	if err := check(ctx, p); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return exit(report.ExitCodeForError(err))
	}
	return nil
}

// check resolves the inputs, builds the adapter without connecting and checks
// the key pairing and the validity window.
func check(ctx context.Context, p *pipeline) error {
	t, err := p.prepare(ctx)
	if err != nil {
		return err
	}
	cert := t.req.CertificatePEM()
	if err := cryptoutils.KeyMatchesCertificate(t.req.PrivateKeyPEM(), cert); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err)
	}
	chain, err := cert.Chain()
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err)
	}
	fp, err := t.req.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err)
	}

	attrs := []any{
		slog.String("adapter", t.adapter.Name()),
		slog.String("device", t.req.Address()),
		slog.String("fingerprint", fp.String()),
		slog.String("subject", fp.Subject),
		slog.Time("notAfter", fp.NotAfter),
		slog.Int("chainLength", len(chain)),
	}
	now := time.Now()
	switch {
	case now.After(fp.NotAfter):
		return fmt.Errorf("%w: certificate expired at %s", interfaces.ErrConfiguration, fp.NotAfter.Format(time.RFC3339))
	case now.Before(fp.NotBefore):
		p.log.Warn("Certificate is not valid yet", attrs...)
	default:
		p.log.Info("Inputs are valid", attrs...)
	}
	return nil
}

func runAdapters(cCtx *cli.Context) error {
	w := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tALIASES\tTRANSPORT\tMODELS\tDESCRIPTION")
	for _, v := range deploy.DefaultRegistry().Variants() {
		models := make([]string, 0, len(v.Models))
		for m, gen := range v.Models {
			if m == gen {
				models = append(models, m)
			} else {
				models = append(models, m+"="+gen)
			}
		}
		sort.Strings(models)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Name, dash(strings.Join(v.Aliases, ",")), v.Kind, dash(strings.Join(models, ",")), v.Description)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
