package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"openenterprise/dfuloader/dfu"
)

const (
	// switchPoll is the wait between transport queries after a switch.
	switchPoll     = 200 * time.Millisecond
	switchAttempts = 25
	// blockTimeout covers the erase of a sector plus programming.
	blockTimeout = 30 * time.Second
)

var errSwitch = errors.New("push: device did not switch to TCP")

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// deadlineConn arms a fresh read deadline before every read so a stalled
// device fails the push instead of hanging it.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	c.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

// ensureTCP asks the device over the console to make TCP its transport
// and waits until the switch has been applied.
func ensureTCP(c *consoleClient, w io.Writer) error {
	out, err := c.Do("transport")
	if err != nil {
		return err
	}
	if currentTransport(out) == "TCP" {
		return nil
	}
	fmt.Fprintf(w, "Switching device from %s to TCP...\n", currentTransport(out))
	out, err = c.Do("switch tcp")
	if err != nil {
		return err
	}
	if !strings.Contains(out, "requested") {
		return fmt.Errorf("%w: %s", errSwitch, out)
	}
	for i := 0; i < switchAttempts; i++ {
		time.Sleep(switchPoll)
		out, err = c.Do("transport")
		if err != nil {
			return err
		}
		if currentTransport(out) == "TCP" {
			return nil
		}
	}
	return errSwitch
}

// currentTransport picks the name from the "Current:" line of the
// transport command.
func currentTransport(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "Current:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

// push flashes the image at path: console switch to TCP, then a full DFU
// session on the DFU port.
func push(p profile, password, path string, w io.Writer) error {
	fw, err := loadFirmware(path)
	if err != nil {
		return err
	}
	printFirmware(w, path, fw)
	fmt.Fprintln(w)

	c, err := dialConsole(net.JoinHostPort(p.Host, strconv.Itoa(p.ConsolePort)), password, p.Timeout)
	if err != nil {
		return err
	}
	err = ensureTCP(c, w)
	c.Close()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.DFUPort))
	fmt.Fprintf(w, "Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, p.Timeout)
	if err != nil {
		return fmt.Errorf("connect to DFU port failed: %w", err)
	}
	defer conn.Close()

	client := dfu.NewClient(deadlineConn{Conn: conn, timeout: blockTimeout})
	info, err := client.Enter()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Device ready: %s\n", info)

	total := (len(fw.Data) + dfu.BlockSize - 1) / dfu.BlockSize
	for off, i := 0, 1; off < len(fw.Data); off, i = off+dfu.BlockSize, i+1 {
		end := min(off+dfu.BlockSize, len(fw.Data))
		if err := client.Program(uint32(off), fw.Data[off:end]); err != nil {
			fmt.Fprintln(w)
			return fmt.Errorf("block %d: %w", i, err)
		}
		fmt.Fprintf(w, "\r[%3d%%] Block %d/%d", end*100/len(fw.Data), i, total)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Verifying (sha256: %s)...\n", sha256Hex(fw.Data))
	if err := client.Verify(uint32(len(fw.Data)), sha256.Sum256(fw.Data)); err != nil {
		return err
	}
	if err := client.Exit(); err != nil {
		return err
	}
	fmt.Fprintln(w, "Image verified!")
	fmt.Fprintln(w, "Device will reboot into the new partition...")
	return nil
}
