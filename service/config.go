// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/evloop/wsd/logger"
	"github.com/evloop/wsd/service/api"
	"github.com/evloop/wsd/service/ws"
)

// Config is the top-level configuration for the wsd service: the
// admin HTTP surface (api.Config), the WebSocket server itself
// (ws.ServerConfig) and logging (logger.Config).
type Config struct {
	API    api.Config      `toml:"api"`
	WS     ws.ServerConfig `toml:"ws"`
	Logger logger.Config   `toml:"logger"`
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return fmt.Errorf("invalid api config: %w", err)
	}
	if err := c.WS.IsValid(); err != nil {
		return fmt.Errorf("invalid ws config: %w", err)
	}
	return c.Logger.IsValid()
}

func (c *Config) SetDefaults() {
	c.API.ListenAddress = ":8045"
	c.WS.ListenAddress = ":8046"
	c.WS.SetDefaults()
	c.Logger.EnableConsole = true
	c.Logger.ConsoleJSON = false
	c.Logger.ConsoleLevel = "INFO"
	c.Logger.EnableFile = true
	c.Logger.FileJSON = true
	c.Logger.FileLocation = "wsd.log"
	c.Logger.FileLevel = "DEBUG"
	c.Logger.EnableColor = false
}
