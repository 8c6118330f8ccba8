package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")
	log, err := New(Config{Level: "debug", Output: path})
	require.NoError(t, err)

	gw := Component(log, "gateway")
	gw.Info().Str("symbol", "EURUSD").Msg("order filled")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	require.True(t, strings.Contains(line, `"component":"gateway"`), line)
	require.True(t, strings.Contains(line, `"message":"order filled"`), line)
}
