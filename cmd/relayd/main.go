package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/relay/internal/daemon"
	"github.com/matheus3301/relay/internal/session"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.relay/config.toml)")
	envFlag := flag.String("env", "", "dotenv file (default ~/.relay/.env)")
	flag.Parse()

	instance := session.Resolve(*instanceFlag)
	if err := session.ValidateName(instance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Instance:   instance,
			ConfigPath: *configFlag,
			EnvPath:    *envFlag,
		}),
	)

	app.Run()
}
