package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsBothProfiles(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New("tariffcrawlerd", dev)
		require.NoError(t, err)
		require.NotNil(t, logger)
		_ = logger.Sync()
	}
}

func TestNewWithoutServiceName(t *testing.T) {
	logger, err := New("", false)
	require.NoError(t, err)
	require.NotNil(t, logger)
}
