package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/lfarias/pchat/internal/config"
	"github.com/lfarias/pchat/internal/daemon"
	"github.com/lfarias/pchat/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not read %s: %v\n", session.ConfigPath(), err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, Config: cfg}),
	)

	app.Run()
}
