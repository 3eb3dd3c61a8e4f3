package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/ahrdadan/pagecheck/internal/cli"
	"github.com/ahrdadan/pagecheck/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		log.Error(err)
		os.Exit(cli.ExitCommandError)
	}

	if err := cli.NewRootCommand(cfg).Execute(); err != nil {
		log.Error(err)
		os.Exit(cli.GetExitCode(err))
	}
}
