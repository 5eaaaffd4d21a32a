package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const prompt = "> "

var (
	errUnexpectedPrompt = errors.New("console: unexpected prompt")
	errAuthFailed       = errors.New("console: authentication failed")
)

// consoleClient is an authenticated debug console session.
type consoleClient struct {
	conn    net.Conn
	timeout time.Duration
}

// dialConsole connects, sends the password and waits for the first prompt.
func dialConsole(addr, password string, timeout time.Duration) (*consoleClient, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	c := &consoleClient{conn: conn, timeout: timeout}
	if err := c.authenticate(password); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := c.readUntilPrompt(); err != nil {
		conn.Close()
		return nil, errAuthFailed
	}
	return c, nil
}

func (c *consoleClient) Close() error {
	return c.conn.Close()
}

// authenticate waits for the password prompt and answers it.
func (c *consoleClient) authenticate(password string) error {
	buf := make([]byte, 64)
	var seen strings.Builder
	deadline := time.Now().Add(c.timeout)
	for !strings.Contains(strings.ToLower(seen.String()), "password") {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %q", errUnexpectedPrompt, seen.String())
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		seen.Write(stripTelnetIAC(buf[:n]))
		if err != nil {
			return fmt.Errorf("read prompt failed: %w", err)
		}
	}
	if _, err := c.conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// readUntilPrompt collects output until the device prompt. The prompt is
// not part of the result. io.EOF means the device closed the session.
func (c *consoleClient) readUntilPrompt() (string, error) {
	buf := make([]byte, 512)
	var out strings.Builder
	deadline := time.Now().Add(c.timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		out.Write(stripTelnetIAC(buf[:n]))
		if s := out.String(); strings.HasSuffix(s, prompt) {
			return strings.TrimSuffix(s, prompt), nil
		}
		if err != nil {
			return out.String(), err
		}
	}
}

// Do runs one command and returns its output. Commands that end the
// session (quit, reboot) return their output with a nil error.
func (c *consoleClient) Do(cmd string) (string, error) {
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	out, err := c.readUntilPrompt()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return strings.TrimSpace(out), err
}

// runCommand executes a single command and prints the response
func runCommand(addr, cmd, password string, timeout time.Duration, w io.Writer) error {
	c, err := dialConsole(addr, password, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	out, err := c.Do(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	return nil
}

// interactive runs an interactive session with the device
func interactive(addr, password string, timeout time.Duration) error {
	fmt.Printf("Connecting to %s...\n", addr)
	c, err := dialConsole(addr, password, timeout)
	if err != nil {
		return err
	}
	defer func() { c.Close() }()

	fmt.Println("Connected! Type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" {
			input = "quit"
		}

		out, err := c.Do(input)
		if err != nil {
			fmt.Println("Connection lost, reconnecting...")
			c.Close()
			if c, err = dialConsole(addr, password, timeout); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
		if input == "quit" || input == "reboot" {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
// IAC = 0xFF, followed by command byte and possibly option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			// WILL/WONT/DO/DONT (0xFB-0xFE) have an option byte
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}
