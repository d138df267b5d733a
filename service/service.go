// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/evloop/wsd/service/api"
	"github.com/evloop/wsd/service/perf"
	"github.com/evloop/wsd/service/ws"
)

// Service wires together the admin HTTP surface and the WebSocket
// event loop. The WebSocket server owns its own listener and runs its
// single-threaded loop on a dedicated goroutine; the admin server is
// regular net/http and exposes /version and /metrics.
type Service struct {
	cfg       Config
	apiServer *api.Server
	wsServer  *ws.Server
	metrics   *perf.Metrics
	log       *mlog.Logger

	loopDone chan struct{}
}

func New(cfg Config, log *mlog.Logger) (*Service, error) {
	cfg.WS.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Service{
		log:      log,
		cfg:      cfg,
		loopDone: make(chan struct{}),
	}

	var err error
	s.apiServer, err = api.NewServer(cfg.API, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	s.metrics = perf.NewMetrics("wsd", nil)

	s.wsServer, err = ws.New(cfg.WS, log, ws.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}
	s.wsServer.SetOpenCallback(s.onWSOpen)
	s.wsServer.SetMessageCallback(s.onWSMessage)
	s.wsServer.SetCloseCallback(s.onWSClose)

	s.apiServer.RegisterHandleFunc("/version", s.getVersion)
	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())

	return s, nil
}

func (s *Service) onWSOpen(c *ws.Connection) {
	s.log.Debug("ws: connection opened", mlog.String("trace_id", c.TraceID()), mlog.String("peer", c.PeerAddr()))
}

func (s *Service) onWSMessage(c *ws.Connection, msg *ws.WSMessage) {
	s.log.Debug("ws: message received", mlog.String("trace_id", c.TraceID()), mlog.Int("bytes", len(msg.Payload())))
}

func (s *Service) onWSClose(c *ws.Connection) {
	s.log.Debug("ws: connection closed", mlog.String("trace_id", c.TraceID()))
}

func (s *Service) Start() error {
	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	go func() {
		defer close(s.loopDone)
		if err := s.wsServer.Loop(); err != nil {
			s.log.Error("ws: event loop exited with error", mlog.Err(err))
		}
	}()

	return nil
}

func (s *Service) Stop() error {
	s.wsServer.Stop()
	<-s.loopDone

	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}

	return nil
}
