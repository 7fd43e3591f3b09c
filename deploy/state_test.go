package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_ForwardOnly(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Advance(Authenticated))
	require.NoError(t, m.Advance(CertificateStaged))

	assert.ErrorIs(t, m.Advance(Authenticated), ErrInvalidTransition, "backward")
	assert.ErrorIs(t, m.Advance(CertificateStaged), ErrInvalidTransition, "same state")
	assert.ErrorIs(t, m.Advance(Verified), ErrInvalidTransition, "skipping")
	assert.ErrorIs(t, m.Advance(Failed), ErrInvalidTransition, "failing through Advance")

	require.NoError(t, m.Advance(CertificateActive))
	require.NoError(t, m.Advance(Verified))
	assert.ErrorIs(t, m.Fail("late"), ErrInvalidTransition, "verified is terminal")
	assert.Equal(t, Verified, m.State())
}

func TestMachine_FailKeepsReachedState(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Advance(Authenticated))
	require.NoError(t, m.Fail("upload rejected"))

	assert.Equal(t, Failed, m.State())
	assert.Equal(t, Authenticated, m.Reached())
	assert.ErrorIs(t, m.Advance(CertificateStaged), ErrInvalidTransition)
	assert.ErrorIs(t, m.Fail("again"), ErrInvalidTransition)

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, Transition{From: Authenticated, To: Failed, At: history[1].At, Reason: "upload rejected"}, history[1])

	history[0].To = Verified
	assert.Equal(t, Authenticated, m.History()[0].To, "history is copied")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CertificateActive", CertificateActive.String())
	assert.Equal(t, "State(42)", State(42).String())
	text, err := Verified.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Verified", string(text))
}
