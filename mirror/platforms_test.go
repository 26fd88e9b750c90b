package mirror_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/code-mirror/mirror"
)

func TestPlatformMatrix(t *testing.T) {
	t.Parallel()

	matrix := mirror.PlatformMatrix()
	require.NotEmpty(t, matrix)

	seen := map[string]struct{}{}
	for _, identity := range matrix {
		_, dup := seen[identity]
		require.False(t, dup, "duplicate identity %q", identity)
		seen[identity] = struct{}{}
	}

	present := []string{
		"win32-x64",
		"win32-x64-archive",
		"win32-x64-user",
		"win32-arm64",
		"linux-x64",
		"linux-deb-x64",
		"linux-rpm-arm64",
		"linux-armhf",
		"darwin",
		"darwin-universal",
		"server-linux-x64",
		"server-linux-alpine",
		"cli-alpine-x64",
	}
	for _, identity := range present {
		require.Contains(t, matrix, identity)
	}

	absent := []string{
		"win32-armhf",
		"win32-x64-web",
		"darwin-x64",
		"darwin-archive",
		"linux",
		"linux-x64-user",
		"server-linux-alpine-x64",
		"cli-alpine",
		"cli-alpine-armhf",
	}
	for _, identity := range absent {
		require.NotContains(t, matrix, identity)
	}
}

func TestValidPlatform(t *testing.T) {
	t.Parallel()

	require.True(t, mirror.ValidPlatform("linux-x64"))
	require.True(t, mirror.ValidPlatform("darwin-universal"))
	require.False(t, mirror.ValidPlatform("plan9-x64"))
	require.False(t, mirror.ValidPlatform(""))
}
