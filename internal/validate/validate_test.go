package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleName(t *testing.T) {
	for _, ok := range []string{"navigation", "face-display", "voice_io", "cam.0", "A1"} {
		assert.True(t, ModuleName(ok), ok)
	}
	for _, bad := range []string{"", "-nav", ".hidden", "has space", "a/b", "nav\n", string(make([]byte, MaxNameLen+1))} {
		assert.False(t, ModuleName(bad), bad)
	}
}

func TestHTTPURL(t *testing.T) {
	u, err := HTTPURL(" http://robot.local:8765 ")
	require.NoError(t, err)
	assert.Equal(t, "robot.local:8765", u.Host)

	_, err = HTTPURL("https://10.0.0.2/api")
	assert.NoError(t, err)

	for _, bad := range []string{"", "robot.local:8765", "ftp://robot", "file:///etc/passwd", "http://", "http://%zz"} {
		_, err := HTTPURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestPlaintextRemote(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"http://127.0.0.1:8765", false},
		{"http://localhost:8765", false},
		{"http://192.168.1.20:8765", false},
		{"http://[::1]:8765", false},
		{"https://robot.example.com", false},
		{"http://robot.example.com", true},
		{"http://8.8.8.8", true},
	}
	for _, tc := range tests {
		u, err := HTTPURL(tc.raw)
		require.NoError(t, err)
		assert.Equal(t, tc.want, PlaintextRemote(u), tc.raw)
	}
}
