package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/mavctl/internal/config"
	"golang.org/x/term"
)

type cliOptions struct {
	configPath    string
	transport     string
	address       string
	device        string
	adminAddr     string
	systemID      int
	schemas       []string
	signingPrompt bool
	validate      bool
	set           map[string]bool
}

type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	var schemas listFlag
	fs := flag.NewFlagSet("mavctl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "daemon config path (TOML)")
	fs.StringVar(&opts.transport, "transport", "", "transport kind: udp-client|udp-server|tcp-client|tcp-server|serial")
	fs.StringVar(&opts.address, "address", "", "transport address, e.g. :14550 or 10.0.0.2:5760")
	fs.StringVar(&opts.device, "device", "", "serial device")
	fs.StringVar(&opts.adminAddr, "admin", "", "admin listen address; \"off\" disables it")
	fs.IntVar(&opts.systemID, "sysid", 0, "MAVLink system id")
	fs.Var(&schemas, "schema", "extra dialect fragment (repeatable)")
	fs.BoolVar(&opts.signingPrompt, "signing-prompt", false, "read the signing passphrase from the terminal")
	fs.BoolVar(&opts.validate, "validate", false, "validate the config and exit")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	opts.schemas = schemas
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

// loadConfig applies explicitly set flags over the config file.
func loadConfig(opts cliOptions, stdin *os.File) (config.DaemonConfig, error) {
	cfg, err := config.LoadDaemonConfig(opts.configPath)
	if err != nil {
		return config.DaemonConfig{}, err
	}
	if opts.set["transport"] {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(opts.transport))
	}
	if opts.set["address"] {
		cfg.Transport.Address = strings.TrimSpace(opts.address)
	}
	if opts.set["device"] {
		cfg.Transport.Device = strings.TrimSpace(opts.device)
	}
	if opts.set["admin"] {
		cfg.Admin.Addr = strings.TrimSpace(opts.adminAddr)
		if cfg.Admin.Addr == "off" {
			cfg.Admin.Addr = ""
		}
	}
	if opts.set["sysid"] {
		if opts.systemID < 1 || opts.systemID > 255 {
			return config.DaemonConfig{}, fmt.Errorf("sysid out of range: %d", opts.systemID)
		}
		cfg.SystemID = uint8(opts.systemID)
	}
	cfg.Schemas = append(cfg.Schemas, opts.schemas...)

	if opts.signingPrompt {
		pass, err := promptPassphrase(stdin, os.Stderr)
		if err != nil {
			return config.DaemonConfig{}, err
		}
		cfg.Signing.Enabled = true
		cfg.Signing.Key = ""
		cfg.Signing.Passphrase = pass
	}

	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return config.DaemonConfig{}, err
	}
	return cfg, nil
}

func promptPassphrase(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("signing passphrase prompt needs a terminal")
	}
	fmt.Fprint(out, "signing passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	pass := strings.TrimSpace(string(raw))
	if pass == "" {
		return "", errors.New("empty signing passphrase")
	}
	return pass, nil
}
