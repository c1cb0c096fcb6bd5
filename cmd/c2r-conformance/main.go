package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/labiium/chat2response-harness/internal/conformance"
)

func main() {
	opts := conformance.DefaultOptions()
	var proxyCmd string
	var timeoutSeconds int
	var readySeconds int

	flag.StringVar(&proxyCmd, "proxy", strings.Join(opts.ProxyCmd, " "), "Proxy command to spawn (default: C2R_PROXY_CMD)")
	flag.StringVar(&opts.OutputDir, "out", opts.OutputDir, "Output artifact directory")
	flag.IntVar(&timeoutSeconds, "timeout", int(opts.Timeout.Seconds()), "Per-request timeout in seconds")
	flag.IntVar(&readySeconds, "ready-timeout", int(opts.ReadyTimeout.Seconds()), "Proxy readiness deadline in seconds")
	flag.IntVar(&opts.Retries, "retries", opts.Retries, "Retry count for network/5xx requests")
	flag.IntVar(&opts.MaxKeepRuns, "keep-runs", opts.MaxKeepRuns, "Number of past run directories to keep")
	flag.Parse()

	if proxyCmd != "" {
		opts.ProxyCmd = strings.Fields(proxyCmd)
	}
	if timeoutSeconds > 0 {
		opts.Timeout = time.Duration(timeoutSeconds) * time.Second
	}
	if readySeconds > 0 {
		opts.ReadyTimeout = time.Duration(readySeconds) * time.Second
	}

	if err := conformance.Run(context.Background(), opts); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		var cfgErr *conformance.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "conformance suite completed successfully")
}
