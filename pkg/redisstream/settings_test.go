package redisstream

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSettings_Validate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.Addr = ""
	require.NoError(t, s.Validate(), "disabled settings are not checked")

	s.Enabled = true
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())
	s.Stream = " "
	require.Error(t, s.Validate())
}

func TestBuildPubSub_Disabled(t *testing.T) {
	_, err := BuildPubSub(DefaultSettings(), nil)
	require.Error(t, err)
}

func TestIsBusyGroup(t *testing.T) {
	require.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	require.False(t, isBusyGroup(errors.New("connection refused")))
	require.False(t, isBusyGroup(nil))
}
