// payprocd is the payment processing daemon.  It listens on a Unix
// domain socket and brokers Stripe, PayPal and SEPA payments for the
// website CGIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/payproc/payprocd/internal/config"
	"github.com/payproc/payprocd/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	live := flag.Bool("live", false, "force live mode")
	socket := flag.String("socket", "", "override the socket path")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("payprocd", daemon.Version)
		return
	}

	// A .env file is a developer convenience; production uses the
	// process environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "payprocd: invalid configuration:", err)
		os.Exit(1)
	}
	if *live {
		cfg.Daemon.Live = true
		if cfg.Daemon.Socket == config.TestSocket {
			cfg.Daemon.Socket = config.LiveSocket
		}
	}
	if *socket != "" {
		cfg.Daemon.Socket = *socket
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "payprocd:", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "payprocd:", err)
		os.Exit(1)
	}
}
