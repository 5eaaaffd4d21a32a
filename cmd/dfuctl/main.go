package main

import (
	"cmp"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

const passwordEnv = "DFULOADER_PASSWORD"

func main() {
	profilePath := flag.String("profile", "", "TOML profile (default ./"+defaultProfile+" when present)")
	host := flag.String("host", "", "Device IP address")
	port := flag.Int("port", 0, "Console port")
	dfuPort := flag.Int("dfu-port", 0, "DFU transport port")
	password := flag.String("password", "", "Console password (or "+passwordEnv+" env var)")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	args := flag.Args()
	// image inspection needs no device
	if len(args) > 0 && args[0] == "image" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: dfuctl image <file>")
			os.Exit(1)
		}
		fw, err := loadFirmware(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printFirmware(os.Stdout, args[1], fw)
		return
	}

	p, err := loadProfile(cmp.Or(*profilePath, defaultProfile), *profilePath != "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	args = applyFlags(&p, *host, *port, *dfuPort, args)
	if p.Host == "" {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	pass := resolvePassword(*password, p.Password)

	if len(args) > 0 && args[0] == "push" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: dfuctl <ip> push <image>")
			os.Exit(1)
		}
		if err := push(p, pass, args[1], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Push failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.ConsolePort))
	if len(args) > 0 {
		err = runCommand(addr, strings.Join(args, " "), pass, p.Timeout, os.Stdout)
	} else {
		err = interactive(addr, pass, p.Timeout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags layers command line settings over the profile. Without a host
// from either, the first argument is the host. It returns the remaining
// arguments.
func applyFlags(p *profile, host string, port, dfuPort int, args []string) []string {
	if host != "" {
		p.Host = host
	} else if p.Host == "" && len(args) > 0 {
		p.Host, args = args[0], args[1:]
	}
	if port > 0 {
		p.ConsolePort = port
	}
	if dfuPort > 0 {
		p.DFUPort = dfuPort
	}
	return args
}

// resolvePassword picks the console password.
// Priority: flag > env > profile > interactive prompt
func resolvePassword(flagValue, profileValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv(passwordEnv); envPass != "" {
		return envPass
	}
	if profileValue != "" {
		return profileValue
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "DFU loader control tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  dfuctl [flags] <ip> [command]")
	fmt.Fprintln(w, "  dfuctl [flags] <ip> push <image>")
	fmt.Fprintln(w, "  dfuctl image <image>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Profile ("+defaultProfile+"):")
	fmt.Fprintln(w, `  host = "192.168.1.50"`)
	fmt.Fprintln(w, "  console_port = 23")
	fmt.Fprintln(w, "  dfu_port = 4242")
	fmt.Fprintln(w, `  password = "secret"`)
	fmt.Fprintln(w, `  timeout = "10s"`)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Console commands:")
	fmt.Fprintln(w, "  help, version, status, transport, switch [name], dfu, publish, reboot, quit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Images may be UF2 containers or raw binaries.")
}
