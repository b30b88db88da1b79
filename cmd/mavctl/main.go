package main

import (
	"fmt"
	"os"

	"github.com/danmuck/mavctl/internal/daemon"
	"github.com/danmuck/mavctl/internal/logging"
)

func main() {
	logging.ConfigureRuntime()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mavctl: %v\n", err)
		os.Exit(2)
	}
	cfg, err := loadConfig(opts, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mavctl: %v\n", err)
		os.Exit(1)
	}
	if opts.validate {
		fmt.Printf("config ok: transport=%s sysid=%d compid=%d\n", cfg.Transport.Kind, cfg.SystemID, cfg.ComponentID)
		return
	}

	svc := daemon.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "mavctl: %v\n", err)
		os.Exit(1)
	}
}
