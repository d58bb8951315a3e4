package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/cmd"
	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.Setup(false)

	// Deployments drop secrets into a .env next to the binary; absence just
	// means the process environment already carries them.
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using process environment")
	}

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.Setup(cfg.Debug)
	if cfg.LoggingToFile {
		if errOutput := logging.ConfigureOutput(true); errOutput != nil {
			log.Fatalf("failed to configure log output: %v", errOutput)
		}
	}

	cmd.StartService(cfg, configPath)
}
