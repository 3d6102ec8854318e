// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/wire"
)

func loadConfig(t *testing.T, body string) *config.Config {
	cfg, err := config.Load([]byte(body))
	require.NoError(t, err)
	return cfg
}

func strategies(s *RouteSet) []Strategy {
	var out []Strategy
	for _, r := range s.Routes {
		out = append(out, r.Strategy())
	}
	return out
}

func TestProposeOrder(t *testing.T) {
	require := require.New(t)

	serverKey, err := wire.GenerateKeypair(rand.Reader)
	require.NoError(err)

	cfg := loadConfig(t, fmt.Sprintf(`
[UpstreamProxy]
  Type = "tor+socks5"
  Address = "127.0.0.1:9050"

[[Services]]
  Name = "chat"
  [Services.Fronting]
    FrontDomains = ["cdn1.example.net", "cdn2.example.net"]
    InnerHost = "chat.example.org"
  [[Services.Endpoints]]
    Host = "chat.example.org"
    Path = "/v1/websocket"
    Upgrade = "websocket+noise"
    NoisePublicKey = "%s"
    QUIC = true
  [[Services.Endpoints]]
    Host = "192.0.2.10"
    ServerName = "chat.example.org"
    Upgrade = "websocket"
`, wire.PublicKeyString(serverKey.Public())))

	p := NewProvider(cfg)
	require.Equal([]string{"chat"}, p.Targets())

	set, err := p.Propose("chat")
	require.NoError(err)
	require.Equal([]Strategy{
		StrategyDirect, StrategyDirect, // TCP for both endpoints
		StrategyDirect,                  // QUIC for the first endpoint
		StrategyFronted, StrategyFronted, // two fronts for the first endpoint
		StrategyFronted, StrategyFronted, // and for the second
		StrategyProxied, StrategyProxied,
	}, strategies(set))

	direct := set.Routes[0]
	require.Equal(KindResolve, direct.Hop(0).Kind())
	require.Equal(KindStreamUpgrade, direct.Hop(4).Kind())
	require.Equal(UpgradeNoise, direct.Hop(4).(*StreamUpgrade).Protocol)

	literal := set.Routes[1]
	require.Equal(KindTCPConnect, literal.Hop(0).Kind())
	require.Equal("chat.example.org", literal.Hop(1).(*TLSHandshake).ServerName)

	quic := set.Routes[2]
	require.Equal(KindQUICConnect, quic.Hop(1).Kind())

	fronted := set.Routes[3]
	require.Equal("cdn1.example.net", fronted.Hop(0).(*Resolve).Domain)
	require.Equal("cdn1.example.net", fronted.Hop(2).(*TLSHandshake).ServerName)
	require.Equal("chat.example.org", fronted.Hop(3).(*StreamUpgrade).Host)

	proxied := set.Routes[7]
	neg := proxied.Hop(1).(*ProxyNegotiate)
	require.Equal(ProxySOCKS5, neg.Proxy)
	require.True(neg.Isolate)
	require.Equal("chat.example.org:443", neg.Target.Address())

	// Deterministic.
	again, err := p.Propose("chat")
	require.NoError(err)
	require.Equal(set.Fingerprints(), again.Fingerprints())
}

func TestProposeErrors(t *testing.T) {
	require := require.New(t)

	cfg := loadConfig(t, `
[[Services]]
  Name = "chat"
  DisableDirect = true
  [[Services.Endpoints]]
    Host = "chat.example.org"
`)
	p := NewProvider(cfg)

	_, err := p.Propose("nope")
	require.True(errors.Is(err, ErrUnknownTarget))

	_, err = p.Propose("chat")
	require.Error(err)
}

func TestProposeHTTPProxy(t *testing.T) {
	require := require.New(t)

	cfg := loadConfig(t, `
[UpstreamProxy]
  Type = "http"
  Address = "proxy.corp.example:3128"
  User = "u"
  Password = "p"

[[Services]]
  Name = "chat"
  [[Services.Endpoints]]
    Host = "chat.example.org"
`)
	set, err := NewProvider(cfg).Propose("chat")
	require.NoError(err)
	require.Equal([]Strategy{StrategyDirect, StrategyProxied}, strategies(set))

	proxied := set.Routes[1]
	require.Equal("proxy.corp.example", proxied.Hop(0).(*Resolve).Domain)
	neg := proxied.Hop(2).(*ProxyNegotiate)
	require.Equal(ProxyHTTPConnect, neg.Proxy)
	require.Equal("u", neg.Username)
	require.Equal(KindTLSHandshake, proxied.Hop(3).Kind())
}
