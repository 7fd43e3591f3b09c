package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strings"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"golang.org/x/crypto/ssh"
)

// DefaultSSHPort is used when the device address carries no port.
const DefaultSSHPort = "22"

var (
	legacyKeyExchanges = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256", "diffie-hellman-group14-sha1", "diffie-hellman-group1-sha1",
	}
	legacyCiphers = []string{
		"aes128-gcm@openssh.com", "aes256-gcm@openssh.com", "chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
		"aes128-cbc", "3des-cbc",
	}
	legacyMACs = []string{
		"hmac-sha2-256-etm@openssh.com", "hmac-sha2-256", "hmac-sha2-512", "hmac-sha1",
	}
	legacyHostKeyAlgorithms = []string{
		ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSA,
	}
)

// SSHOptions configure a device SSH connection.
type SSHOptions struct {
	Username string
	Password string
	// HostKey pins the server key by its OpenSSH SHA256 fingerprint.
	HostKey string
	// InsecureIgnoreHostKey accepts any host key. Only honoured without HostKey.
	InsecureIgnoreHostKey bool
	// LegacyAlgorithms enables SHA-1 key exchange, CBC ciphers and ssh-rsa.
	LegacyAlgorithms bool
	// Prompt, when set, makes Run drive an interactive shell and read until
	// the prompt reappears. Devices without exec support need this.
	Prompt  string
	Timeout time.Duration
}

// SSHClient is the subset of an SSH connection adapters use.
type SSHClient interface {
	// Run executes cmd and returns its combined output.
	Run(ctx context.Context, cmd string) (string, error)
	// Upload writes data to remotePath over the SCP sink protocol.
	Upload(ctx context.Context, remotePath string, data []byte) error
	Close() error
}

// SSHDialer opens SSH connections.
type SSHDialer interface {
	Dial(ctx context.Context, address string, opts SSHOptions) (SSHClient, error)
}

// NewSSHDialer returns the network dialer.
func NewSSHDialer(log *slog.Logger) SSHDialer {
	return &sshDialer{log: log}
}

type sshDialer struct {
	log *slog.Logger
}

// ClientConfig builds the ssh.ClientConfig for opts. Neither a pinned host key
// nor an explicit opt-out is a configuration error.
func ClientConfig(opts SSHOptions) (*ssh.ClientConfig, error) {
	var callback ssh.HostKeyCallback
	switch {
	case opts.HostKey != "":
		callback = pinnedHostKey(opts.HostKey)
	case opts.InsecureIgnoreHostKey:
		callback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in per device
	default:
		return nil, fmt.Errorf("%w: SSH host key fingerprint required unless host verification is disabled", interfaces.ErrConfiguration)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}

	cfg := &ssh.ClientConfig{
		User: opts.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(opts.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = opts.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}
	if opts.LegacyAlgorithms {
		cfg.KeyExchanges = legacyKeyExchanges
		cfg.Ciphers = legacyCiphers
		cfg.MACs = legacyMACs
		cfg.HostKeyAlgorithms = legacyHostKeyAlgorithms
	}
	return cfg, nil
}

func pinnedHostKey(fingerprint string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if got != fingerprint {
			return fmt.Errorf("%w: host key for %s is %s, expected %s", interfaces.ErrAuthentication, hostname, got, fingerprint)
		}
		return nil
	}
}

// Dial implements SSHDialer.
func (d *sshDialer) Dial(ctx context.Context, address string, opts SSHOptions) (SSHClient, error) {
	cfg, err := ClientConfig(opts)
	if err != nil {
		return nil, err
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), DefaultSSHPort)
	}

	conn, err := (&net.Dialer{Timeout: cfg.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Classify(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		if errors.Is(err, interfaces.ErrAuthentication) || strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrAuthentication, err)
		}
		return nil, Classify(err)
	}
	// Per-call deadlines are applied by Run and Upload.
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	d.log.Debug("SSH connection established", slog.String("address", address), slog.String("user", opts.Username))
	return &sshClient{client: ssh.NewClient(c, chans, reqs), prompt: opts.Prompt}, nil
}

type sshClient struct {
	client *ssh.Client
	prompt string
}

// Run implements SSHClient.
func (c *sshClient) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", Classify(err)
	}
	defer session.Close()
	stop := c.watch(ctx, session)
	defer stop()

	if c.prompt == "" {
		out, err := session.CombinedOutput(cmd)
		if err != nil {
			return string(out), c.ctxErr(ctx, err)
		}
		return string(out), nil
	}

	out, err := c.runInShell(session, cmd)
	if err != nil {
		return out, c.ctxErr(ctx, err)
	}
	return out, nil
}

func (c *sshClient) runInShell(session *ssh.Session, cmd string) (string, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := session.RequestPty("vt100", 80, 200, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		return "", err
	}
	if err := session.Shell(); err != nil {
		return "", err
	}

	reader := bufio.NewReader(stdout)
	if _, err := readUntil(reader, c.prompt); err != nil {
		return "", err
	}
	if _, err := io.WriteString(stdin, cmd+"\r\n"); err != nil {
		return "", err
	}
	out, err := readUntil(reader, c.prompt)
	if err != nil {
		return out, err
	}
	io.WriteString(stdin, "exit\r\n") //nolint:errcheck
	return strings.TrimSpace(strings.TrimPrefix(out, cmd)), nil
}

func readUntil(r *bufio.Reader, marker string) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return buf.String(), err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte(marker)) {
			return strings.TrimSuffix(buf.String(), marker), nil
		}
	}
}

// Upload implements SSHClient using "scp -t".
func (c *sshClient) Upload(ctx context.Context, remotePath string, data []byte) error {
	session, err := c.client.NewSession()
	if err != nil {
		return Classify(err)
	}
	defer session.Close()
	stop := c.watch(ctx, session)
	defer stop()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}

	dir, name := path.Split(remotePath)
	if dir == "" {
		dir = "."
	}
	if err := session.Start("scp -t " + dir); err != nil {
		return c.ctxErr(ctx, err)
	}

	ack := bufio.NewReader(stdout)
	steps := []func() error{
		func() error { return scpAck(ack) },
		func() error {
			_, err := fmt.Fprintf(stdin, "C0600 %d %s\n", len(data), name)
			return err
		},
		func() error { return scpAck(ack) },
		func() error {
			_, err := stdin.Write(append(append([]byte{}, data...), 0))
			return err
		},
		func() error { return scpAck(ack) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return c.ctxErr(ctx, err)
		}
	}
	stdin.Close()
	return nil
}

// scpAck reads the single status byte the SCP sink answers with.
func scpAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp: %s", strings.TrimSpace(msg))
}

// watch closes the session when ctx is done so blocked reads return.
func (c *sshClient) watch(ctx context.Context, session *ssh.Session) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *sshClient) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Classify(ctxErr)
	}
	return Classify(err)
}

// Close implements SSHClient.
func (c *sshClient) Close() error {
	return c.client.Close()
}
