package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), defaultProfile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.toml")

	p, err := loadProfile(missing, false)
	require.NoError(t, err)
	assert.Equal(t, defaultProfileSettings(), p)

	_, err = loadProfile(missing, true)
	assert.Error(t, err)
}

func TestLoadProfileValues(t *testing.T) {
	path := writeProfile(t, `
host = " 192.168.1.50 "
console_port = 2323
password = "secret"
timeout = "3s"
`)
	p, err := loadProfile(path, true)
	require.NoError(t, err)
	assert.Equal(t, profile{
		Host:        "192.168.1.50",
		ConsolePort: 2323,
		DFUPort:     defaultDFUPort,
		Password:    "secret",
		Timeout:     3 * time.Second,
	}, p)
}

func TestLoadProfileRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", `hots = "10.0.0.1"`},
		{"console port", `console_port = 0`},
		{"dfu port", `dfu_port = 70000`},
		{"timeout", `timeout = "soon"`},
		{"syntax", `host = `},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadProfile(writeProfile(t, tc.body), false)
			assert.Error(t, err)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	p := defaultProfileSettings()
	args := applyFlags(&p, "", 0, 0, []string{"10.0.0.7", "push", "fw.uf2"})
	assert.Equal(t, "10.0.0.7", p.Host)
	assert.Equal(t, []string{"push", "fw.uf2"}, args)

	// A profile host leaves the arguments alone.
	p = profile{Host: "10.0.0.8", ConsolePort: 23, DFUPort: 4242}
	args = applyFlags(&p, "", 2323, 5000, []string{"status"})
	assert.Equal(t, "10.0.0.8", p.Host)
	assert.Equal(t, []string{"status"}, args)
	assert.Equal(t, 2323, p.ConsolePort)
	assert.Equal(t, 5000, p.DFUPort)

	args = applyFlags(&p, "10.0.0.9", 0, 0, nil)
	assert.Equal(t, "10.0.0.9", p.Host)
	assert.Empty(t, args)
}

func TestResolvePassword(t *testing.T) {
	t.Setenv(passwordEnv, "from-env")
	assert.Equal(t, "from-flag", resolvePassword("from-flag", "from-profile"))
	assert.Equal(t, "from-env", resolvePassword("", "from-profile"))

	t.Setenv(passwordEnv, "")
	assert.Equal(t, "from-profile", resolvePassword("", "from-profile"))
}
