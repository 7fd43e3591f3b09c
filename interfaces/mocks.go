package interfaces

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockAdapter implements Adapter for testing.
type MockAdapter struct {
	mock.Mock
}

// Name implements Adapter.
func (m *MockAdapter) Name() string {
	return "mock"
}

// Authenticate implements Adapter.
func (m *MockAdapter) Authenticate(ctx context.Context, req DeploymentRequest) (Session, error) {
	args := m.Called(ctx, req)
	sess, _ := args.Get(0).(Session)
	return sess, args.Error(1)
}

// StageCertificate implements Adapter.
func (m *MockAdapter) StageCertificate(ctx context.Context, s Session, req DeploymentRequest) (StagedHandle, error) {
	args := m.Called(ctx, s, req)
	return args.Get(0).(StagedHandle), args.Error(1)
}

// Activate implements Adapter.
func (m *MockAdapter) Activate(ctx context.Context, s Session, h StagedHandle) error {
	return m.Called(ctx, s, h).Error(0)
}

// ApplyAndMaybeRestart implements Adapter.
func (m *MockAdapter) ApplyAndMaybeRestart(ctx context.Context, s Session, opts Options) error {
	return m.Called(ctx, s, opts).Error(0)
}

// DescribeActiveCertificate implements Adapter.
func (m *MockAdapter) DescribeActiveCertificate(ctx context.Context, s Session) (Fingerprint, error) {
	args := m.Called(ctx, s)
	return args.Get(0).(Fingerprint), args.Error(1)
}

// MockSession is a Session that records whether it was closed.
type MockSession struct {
	Closed int
	// Invalid makes Valid report false, as after a restart.
	Invalid bool
}

// Valid implements Session.
func (s *MockSession) Valid() bool {
	return s.Closed == 0 && !s.Invalid
}

// Close implements Session.
func (s *MockSession) Close() error {
	s.Closed++
	return nil
}
