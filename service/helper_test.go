// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net"
	"testing"

	"github.com/evloop/wsd/logger"

	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	srvc   *Service
	cfg    Config
	tb     testing.TB
	apiURL string
}

func SetupTestHelper(tb testing.TB, cfg *Config) *TestHelper {
	tb.Helper()

	th := &TestHelper{
		tb: tb,
	}

	if cfg != nil {
		th.cfg = *cfg
	}
	th.cfg.API.ListenAddress = ":0"
	th.cfg.WS.ListenAddress = ":0"
	th.cfg.Logger.EnableConsole = true
	th.cfg.Logger.ConsoleLevel = "ERROR"

	lg, err := logger.New(th.cfg.Logger)
	require.NoError(th.tb, err)
	require.NotNil(th.tb, lg)

	th.srvc, err = New(th.cfg, lg)
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.srvc)

	err = th.srvc.Start()
	require.NoError(th.tb, err)

	_, port, err := net.SplitHostPort(th.srvc.apiServer.Addr())
	require.NoError(th.tb, err)
	th.apiURL = "http://localhost:" + port

	return th
}

func (th *TestHelper) Teardown() {
	err := th.srvc.Stop()
	require.NoError(th.tb, err)
}
