// Package credentials holds the secrets embedded at build time. Create
// ssid.text, password.text and console_password.text next to this file;
// they are not part of the repository.
package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// WiFi returns the network to join. ok is false when no SSID is set, in
// which case the board runs without networking.
func WiFi() (ssidName, password string, ok bool) {
	ssidName = strings.TrimSpace(ssid)
	return ssidName, strings.TrimSpace(pass), ssidName != ""
}

// ConsolePassword returns the debug console password. An empty password
// locks the console.
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}
