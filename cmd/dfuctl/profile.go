package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultProfile     = "dfuctl.toml"
	defaultConsolePort = 23
	defaultDFUPort     = 4242
	defaultTimeout     = 10 * time.Second
)

// profile holds connection settings for one device.
type profile struct {
	Host        string
	ConsolePort int
	DFUPort     int
	Password    string
	Timeout     time.Duration
}

func defaultProfileSettings() profile {
	return profile{
		ConsolePort: defaultConsolePort,
		DFUPort:     defaultDFUPort,
		Timeout:     defaultTimeout,
	}
}

type profileFile struct {
	Host        string `toml:"host"`
	ConsolePort int    `toml:"console_port"`
	DFUPort     int    `toml:"dfu_port"`
	Password    string `toml:"password"`
	Timeout     string `toml:"timeout"`
}

// loadProfile reads path over the defaults. A missing file is only an
// error when required is set.
func loadProfile(path string, required bool) (profile, error) {
	p := defaultProfileSettings()

	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return p, nil
	}
	if err != nil {
		return profile{}, fmt.Errorf("load profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return profile{}, fmt.Errorf("load profile: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		p.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("console_port") {
		if raw.ConsolePort <= 0 || raw.ConsolePort > 65535 {
			return profile{}, fmt.Errorf("load profile: console_port %d out of range", raw.ConsolePort)
		}
		p.ConsolePort = raw.ConsolePort
	}
	if meta.IsDefined("dfu_port") {
		if raw.DFUPort <= 0 || raw.DFUPort > 65535 {
			return profile{}, fmt.Errorf("load profile: dfu_port %d out of range", raw.DFUPort)
		}
		p.DFUPort = raw.DFUPort
	}
	if meta.IsDefined("password") {
		p.Password = raw.Password
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return profile{}, fmt.Errorf("parse timeout: %w", err)
		}
		if d > 0 {
			p.Timeout = d
		}
	}
	return p, nil
}
