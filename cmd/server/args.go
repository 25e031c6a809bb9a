package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Tyrowin/tcpecho/internal/server"
)

// parseArgs turns the positional arguments [port] [host] [interval-seconds]
// into a config override. Missing arguments keep the loaded values.
func parseArgs(args []string) (func(*server.Config), error) {
	if len(args) > 3 {
		return nil, fmt.Errorf("too many arguments: %d (want at most port, host, interval)", len(args))
	}

	var (
		port     int
		host     string
		interval time.Duration
	)

	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		port = p
	}
	if len(args) > 1 {
		if args[1] == "" {
			return nil, fmt.Errorf("host must not be empty")
		}
		host = args[1]
	}
	if len(args) > 2 {
		seconds, err := strconv.Atoi(args[2])
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid heartbeat interval %q (want whole seconds > 0)", args[2])
		}
		interval = time.Duration(seconds) * time.Second
	}

	return func(cfg *server.Config) {
		if len(args) > 0 {
			cfg.Server.Port = port
		}
		if host != "" {
			cfg.Server.Host = host
		}
		if interval > 0 {
			cfg.Heartbeat.Interval = interval
		}
	}, nil
}
