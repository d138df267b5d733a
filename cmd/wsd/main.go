// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/evloop/wsd/logger"
	"github.com/evloop/wsd/service"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the wsd service.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("wsd: failed to load config: %s", err.Error())
	}

	if err := cfg.IsValid(); err != nil {
		log.Fatalf("wsd: failed to validate config: %s", err.Error())
	}

	lg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("wsd: failed to create logger: %s", err.Error())
	}

	svc, err := service.New(cfg, lg)
	if err != nil {
		log.Fatalf("wsd: failed to create service: %s", err.Error())
	}

	if err := svc.Start(); err != nil {
		log.Fatalf("wsd: failed to start service: %s", err.Error())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := svc.Stop(); err != nil {
		log.Fatalf("wsd: failed to stop service: %s", err.Error())
	}
}
