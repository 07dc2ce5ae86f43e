package log

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogger(t *testing.T) {
	var buf bytes.Buffer
	ConfigureLogger(WithOutput(&buf), WithLevel("warn"))
	defer ConfigureLogger(WithNullLogger(), WithLevel("info"))

	Global.Info("hidden")
	Global.WithField("height", 3).Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "height=3")
}

func TestNewLoggerLevelFallback(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "test.log"), "not-a-level")
	require.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestFormatFilePath(t *testing.T) {
	require.Equal(t, "trie/cached.go", formatFilePath("/a/b/trie/cached.go", 2))
	require.Equal(t, "x", formatFilePath("x", 3))
}
