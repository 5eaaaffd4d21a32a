package config

import (
	_ "embed"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"openenterprise/dfuloader/session"
	"openenterprise/dfuloader/transport"
)

// Image types. The update image blinks faster so the two are told apart.
const (
	ImageBoot   = "boot"
	ImageUpdate = "update"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultImage           = ImageBoot
	DefaultTransport       = transport.I2C
	DefaultI2CAddress      = 0x0C
	DefaultSessionTimeout  = 20 * time.Millisecond
	DefaultDebounce        = 500 * time.Millisecond
	DefaultPublishInterval = 30 * time.Second
	DefaultClientID        = "dfuloader"
	DefaultBootLED         = 1000 * time.Millisecond
	DefaultUpdateLED       = 500 * time.Millisecond
)

var ErrNoBroker = errors.New("config: no broker configured")

// Environment-specific configuration (empty = feature off).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed image.text
	imageOverride string

	//go:embed tick_period.text
	tickPeriodOverride string

	//go:embed idle_timeout.text
	idleTimeoutOverride string

	//go:embed command_timeout.text
	commandTimeoutOverride string

	//go:embed led_interval.text
	ledIntervalOverride string

	//go:embed settle_delay.text
	settleDelayOverride string

	//go:embed session_timeout.text
	sessionTimeoutOverride string

	//go:embed debounce.text
	debounceOverride string

	//go:embed transport.text
	transportOverride string

	//go:embed transports.text
	transportsOverride string

	//go:embed i2c_address.text
	i2cAddressOverride string

	//go:embed secondary_vector.text
	secondaryVectorOverride string

	//go:embed console.text
	consoleOverride string

	//go:embed publish_interval.text
	publishIntervalOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	if addr == "" {
		return netip.AddrPort{}, ErrNoBroker
	}
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID, also used as the device name.
func ClientID() string {
	return parseString(clientID, DefaultClientID)
}

// Image returns ImageBoot or ImageUpdate.
func Image() string {
	return parseImage(imageOverride)
}

// Timing returns the session controller timing. The LED interval default
// follows the image type.
func Timing() session.Timing {
	return timing(Image(), tickPeriodOverride, idleTimeoutOverride, commandTimeoutOverride,
		ledIntervalOverride, settleDelayOverride)
}

// SessionTimeout bounds one protocol engine step.
func SessionTimeout() time.Duration {
	return parseDuration(sessionTimeoutOverride, DefaultSessionTimeout)
}

// Debounce is the button debounce window.
func Debounce() time.Duration {
	return parseDuration(debounceOverride, DefaultDebounce)
}

// Transport returns the transport started at boot.
func Transport() transport.ID {
	return parseTransport(transportOverride, DefaultTransport)
}

// Transports returns the cycle order for the button. The default
// transport is always part of it.
func Transports() []transport.ID {
	return parseTransports(transportsOverride, Transport())
}

// I2CAddress is the 7-bit target address of the I2C transport.
func I2CAddress() uint8 {
	return uint8(parseUint(i2cAddressOverride, DefaultI2CAddress, 0x7F))
}

// SecondaryVector is the flash address of the secondary core's vector
// table; 0 leaves the core off.
func SecondaryVector() uint32 {
	return uint32(parseUint(secondaryVectorOverride, 0, 0xFFFFFFFF))
}

// ConsoleEnabled reports whether the TCP debug console is served.
func ConsoleEnabled() bool {
	return parseBool(consoleOverride, true)
}

// PublishInterval is the status publishing period.
func PublishInterval() time.Duration {
	return parseDuration(publishIntervalOverride, DefaultPublishInterval)
}

func timing(image, tick, idle, command, led, settle string) session.Timing {
	ledDefault := DefaultBootLED
	if image == ImageUpdate {
		ledDefault = DefaultUpdateLED
	}
	return session.Timing{
		TickPeriod:     parseDuration(tick, session.DefaultTickPeriod),
		IdleTimeout:    parseDuration(idle, session.DefaultIdleTimeout),
		CommandTimeout: parseDuration(command, session.DefaultCommandTimeout),
		LEDInterval:    parseDuration(led, ledDefault),
		SettleDelay:    parseDuration(settle, session.DefaultSettleDelay),
	}
}

func parseString(override, def string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return def
}

// parseDuration accepts time.ParseDuration syntax; invalid or non-positive
// values fall back to def.
func parseDuration(override string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(override); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func parseImage(override string) string {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case ImageUpdate:
		return ImageUpdate
	default:
		return DefaultImage
	}
}

func parseTransport(override string, def transport.ID) transport.ID {
	if v := strings.TrimSpace(override); v != "" {
		if id, err := transport.ParseID(v); err == nil {
			return id
		}
	}
	return def
}

// parseTransports reads a comma or whitespace separated list. Unknown and
// repeated names are skipped; def is appended when missing.
func parseTransports(override string, def transport.ID) []transport.ID {
	fields := strings.FieldsFunc(override, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	var seen [transport.Count]bool
	var ids []transport.ID
	for _, f := range fields {
		id, err := transport.ParseID(f)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = transport.DefaultSupported()
		for _, id := range ids {
			seen[id] = true
		}
	}
	if !seen[def] {
		ids = append(ids, def)
	}
	return ids
}

// parseUint accepts decimal or 0x-prefixed hex up to limit.
func parseUint(override string, def, limit uint64) uint64 {
	if v := strings.TrimSpace(override); v != "" {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil && n <= limit {
			return n
		}
	}
	return def
}

func parseBool(override string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return def
	}
}
