// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evloop/wsd/service/perf"
)

// Option configures a Server at construction time.
type Option func(s *Server) error

// WithLogger overrides the logger passed to New, e.g. to attach
// request-scoped fields.
func WithLogger(log *mlog.Logger) Option {
	return func(s *Server) error {
		s.log = log
		return nil
	}
}

// WithMetrics wires a metrics registry so the Server records
// connection/handshake/message counters against it.
func WithMetrics(m *perf.Metrics) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// WithRegistry is a convenience over WithMetrics for callers that
// already hold a *prometheus.Registry and want the Server to create
// its own Metrics against it.
func WithRegistry(namespace string, reg *prometheus.Registry) Option {
	return func(s *Server) error {
		s.metrics = perf.NewMetrics(namespace, reg)
		return nil
	}
}
