package apcnmc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(ctx context.Context, address string, opts transport.SSHOptions) (transport.SSHClient, error) {
	args := m.Called(ctx, address, opts)
	client, _ := args.Get(0).(transport.SSHClient)
	return client, args.Error(1)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Run(ctx context.Context, cmd string) (string, error) {
	args := m.Called(ctx, cmd)
	return args.String(0), args.Error(1)
}

func (m *mockClient) Upload(ctx context.Context, remotePath string, data []byte) error {
	args := m.Called(ctx, remotePath, data)
	return args.Error(0)
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	req     interfaces.DeploymentRequest
	fp      interfaces.Fingerprint
	pair    tls.Certificate
	dialer  *mockDialer
	client  *mockClient
	adapter *Adapter
}

func newFixture(t *testing.T, opts interfaces.Options) *fixture {
	t.Helper()
	certPEM, keyPEM, err := cryptoutils.GenerateSelfSigned(cryptoutils.SelfSignedOpts{CommonName: "ups01.example.com"})
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	fp, err := cryptoutils.TLSCert(certPEM).Fingerprint()
	require.NoError(t, err)

	if opts.SSHHostKey == "" {
		opts.SSHHostKey = "SHA256:pinned"
	}
	req, err := interfaces.NewDeploymentRequest(certPEM, keyPEM, "127.0.0.1",
		interfaces.Credentials{Username: "apc", Secret: "s3cret"}, opts)
	require.NoError(t, err)

	dialer := new(mockDialer)
	return &fixture{
		req:     req,
		fp:      fp,
		pair:    pair,
		dialer:  dialer,
		client:  new(mockClient),
		adapter: NewAdapter(dialer, testLogger()),
	}
}

func (f *fixture) expectDial() {
	f.dialer.On("Dial", mock.Anything, "127.0.0.1", transport.SSHOptions{
		Username: "apc",
		Password: "s3cret",
		HostKey:  "SHA256:pinned",
		Prompt:   prompt,
	}).Return(f.client, nil).Once()
}

func TestAdapter_Deploy(t *testing.T) {
	f := newFixture(t, interfaces.Options{})
	f.expectDial()
	f.client.On("Upload", mock.Anything, "/ssl/custom-cert.key", []byte(f.req.PrivateKeyPEM())).Return(nil).Once()
	f.client.On("Upload", mock.Anything, "/ssl/custom-cert.crt", []byte(f.req.CertificatePEM())).Return(nil).Once()
	f.client.On("Run", mock.Anything, "ssl key -i /ssl/custom-cert.key").Return("E000: Success\r\n", nil).Once()
	f.client.On("Run", mock.Anything, "ssl cert -i /ssl/custom-cert.crt").Return("E000: Success\r\n", nil).Once()
	f.client.On("Run", mock.Anything, "reboot -Y").Return("", io.EOF).Once()
	f.client.On("Close").Return(errors.New("already closed")).Once()

	// The card's web server, already serving the new certificate.
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{f.pair}}
	srv.StartTLS()
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	f.adapter.httpsPort = port

	ctx := context.Background()
	sess, err := f.adapter.Authenticate(ctx, f.req)
	require.NoError(t, err)

	handle, err := f.adapter.StageCertificate(ctx, sess, f.req)
	require.NoError(t, err)
	assert.Equal(t, "custom-cert", handle.Name)

	require.NoError(t, f.adapter.Activate(ctx, sess, handle))
	require.NoError(t, f.adapter.ApplyAndMaybeRestart(ctx, sess, f.req.Options()))
	assert.False(t, sess.Valid())

	served, err := f.adapter.DescribeActiveCertificate(ctx, sess)
	require.NoError(t, err)
	assert.NoError(t, f.fp.Matches(served))

	assert.NoError(t, sess.Close())
	f.dialer.AssertExpectations(t)
	f.client.AssertExpectations(t)
}

func TestAdapter_ActivationRejected(t *testing.T) {
	f := newFixture(t, interfaces.Options{})
	f.expectDial()
	f.client.On("Run", mock.Anything, "ssl key -i /ssl/custom-cert.key").Return("E102: Parameter Error\r\n", nil).Once()
	f.client.On("Close").Return(nil)

	ctx := context.Background()
	sess, err := f.adapter.Authenticate(ctx, f.req)
	require.NoError(t, err)
	defer sess.Close()

	err = f.adapter.Activate(ctx, sess, interfaces.StagedHandle{Name: "custom-cert"})
	assert.ErrorIs(t, err, interfaces.ErrActivation)
	assert.ErrorContains(t, err, "E102")
}

func TestAdapter_UploadErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"scp refused", errors.New("scp: permission denied"), interfaces.ErrUpload},
		{"connection reset", transport.Classify(io.ErrUnexpectedEOF), interfaces.ErrTransientTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, interfaces.Options{})
			f.expectDial()
			f.client.On("Upload", mock.Anything, "/ssl/custom-cert.key", mock.Anything).Return(tt.err).Once()
			f.client.On("Close").Return(nil)

			ctx := context.Background()
			sess, err := f.adapter.Authenticate(ctx, f.req)
			require.NoError(t, err)
			defer sess.Close()

			_, err = f.adapter.StageCertificate(ctx, sess, f.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAdapter_AuthenticateErrors(t *testing.T) {
	f := newFixture(t, interfaces.Options{})
	f.dialer.On("Dial", mock.Anything, "127.0.0.1", mock.Anything).Return(nil, errors.New("ssh: handshake failed")).Once()

	_, err := f.adapter.Authenticate(context.Background(), f.req)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)

	f.dialer.On("Dial", mock.Anything, "127.0.0.1", mock.Anything).Return(nil, transport.Classify(io.EOF)).Once()
	_, err = f.adapter.Authenticate(context.Background(), f.req)
	assert.ErrorIs(t, err, interfaces.ErrTransientTransport)
	assert.NotErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestAdapter_SkipRestart(t *testing.T) {
	f := newFixture(t, interfaces.Options{SkipRestart: true})
	f.expectDial()
	f.client.On("Close").Return(nil)

	ctx := context.Background()
	sess, err := f.adapter.Authenticate(ctx, f.req)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, f.adapter.ApplyAndMaybeRestart(ctx, sess, f.req.Options()))
	assert.True(t, sess.Valid())
	f.client.AssertNotCalled(t, "Run", mock.Anything, "reboot -Y")

	// The card keeps serving the previous certificate until it reboots.
	_, err = f.adapter.DescribeActiveCertificate(ctx, sess)
	assert.ErrorIs(t, err, interfaces.ErrRestartPending)
}
