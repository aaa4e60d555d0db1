package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHomeExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := HomeExpand("~/bot")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "bot"), got)

	got, err = HomeExpand("/etc/bot")
	require.NoError(t, err)
	require.Equal(t, "/etc/bot", got)

	got, err = HomeExpand("")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExpired(t *testing.T) {
	require.False(t, Expired(time.Time{}))
	require.True(t, Expired(time.Now().Add(-time.Second)))
	require.False(t, Expired(time.Now().Add(time.Hour)))
}
