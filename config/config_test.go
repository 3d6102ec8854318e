// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/detour/core/retry"
	"github.com/katzenpost/detour/core/wire"
)

func TestConfigEmpty(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	_, err = Load([]byte("[Logging]\nLevel = \"DEBUG\"\n"))
	require.Error(err, "Load() with no services")
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	const basicConfig = `
[[Services]]
  Name = "chat"
  [[Services.Endpoints]]
    Host = "chat.example.org"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)

	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.False(cfg.UpstreamProxy.Enabled())
	require.Equal(defaultAttemptMs, cfg.Timeouts.AttemptMs)
	require.Equal(defaultStaggerMs, cfg.Campaign.StaggerMs)
	require.Equal(defaultDemoteAfter, cfg.Health.DemoteAfter)

	p := cfg.Retry.Policy()
	require.NoError(p.Validate())
	require.Equal(500*time.Millisecond, p.BaseDelay)

	svc := cfg.Service("chat")
	require.NotNil(svc)
	require.Nil(cfg.Service("cdsi"))

	e := svc.Endpoints[0]
	require.Equal(443, e.Port)
	require.Equal("chat.example.org", e.ServerName)
	require.Equal(UpgradeNone, e.Upgrade)
	require.False(e.HasWebSocket())
}

func TestConfigFull(t *testing.T) {
	require := require.New(t)

	serverKey, err := wire.GenerateKeypair(rand.Reader)
	require.NoError(err)
	pin := sha256.Sum256([]byte("spki"))

	body := fmt.Sprintf(`
[Logging]
  Level = "debug"

[UpstreamProxy]
  Type = "SOCKS5"
  Address = "127.0.0.1:1080"
  User = "alice"
  Password = "hunter2"

[Timeouts]
  TLSMs = 2500

[Resolver]
  Servers = ["9.9.9.9"]
  PreferIPv6 = true

[[Services]]
  Name = "chat"
  [Services.Fronting]
    FrontDomains = ["cdn.example.net"]
    InnerHost = "chat.example.org"
  [[Services.Endpoints]]
    Host = "chat.example.org"
    Path = "/v1/websocket"
    Upgrade = "websocket+noise"
    NoisePublicKey = "%s"
    PinnedSPKI = ["%s"]
    QUIC = true
`, wire.PublicKeyString(serverKey.Public()), base64.StdEncoding.EncodeToString(pin[:]))

	f := filepath.Join(t.TempDir(), "detour.toml")
	require.NoError(os.WriteFile(f, []byte(body), 0600))
	cfg, err := LoadFile(f)
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(ProxySOCKS5, cfg.UpstreamProxy.Type)
	require.Equal("127.0.0.1", cfg.UpstreamProxy.Host())
	require.Equal(uint16(1080), cfg.UpstreamProxy.Port())
	require.Equal(2500, cfg.Timeouts.TLSMs)
	require.Equal([]string{"9.9.9.9:53"}, cfg.Resolver.Servers)

	e := cfg.Services[0].Endpoints[0]
	require.True(e.HasWebSocket())
	require.True(e.HasNoise())
	require.Equal(wire.PatternNK, e.NoisePatternValue())
	require.Equal(serverKey.Public().Bytes(), e.NoiseServerKey().Bytes())
	require.Equal([][]byte{pin[:]}, e.Pins())
	require.Equal(443, e.QUICPort)
	require.Equal([]string{defaultQUICALPN}, e.QUICALPN)
}

func TestConfigInvalid(t *testing.T) {
	const svc = `
[[Services]]
  Name = "chat"
  [[Services.Endpoints]]
    Host = "chat.example.org"
`
	cases := map[string]string{
		"bad level":        "[Logging]\nLevel = \"LOUD\"\n" + svc,
		"bad proxy type":   "[UpstreamProxy]\nType = \"ftp\"\nAddress = \"127.0.0.1:1\"\n" + svc,
		"half credentials": "[UpstreamProxy]\nType = \"socks5\"\nAddress = \"127.0.0.1:1\"\nUser = \"a\"\n" + svc,
		"tor credentials":  "[UpstreamProxy]\nType = \"tor+socks5\"\nAddress = \"127.0.0.1:9050\"\nUser = \"a\"\nPassword = \"b\"\n" + svc,
		"proxy address":    "[UpstreamProxy]\nType = \"http\"\nAddress = \"proxy\"\n" + svc,
		"both families":    "[Resolver]\nDisableIPv4 = true\nDisableIPv6 = true\n" + svc,
		"noise no key":     "[[Services]]\nName = \"x\"\n[[Services.Endpoints]]\nHost = \"h\"\nUpgrade = \"noise\"\n",
		"bad upgrade":      "[[Services]]\nName = \"x\"\n[[Services.Endpoints]]\nHost = \"h\"\nUpgrade = \"carrier-pigeon\"\n",
		"bad pin":          "[[Services]]\nName = \"x\"\n[[Services.Endpoints]]\nHost = \"h\"\nPinnedSPKI = [\"AAAA\"]\n",
		"fronting no ws":   "[[Services]]\nName = \"x\"\n[Services.Fronting]\nFrontDomains = [\"f\"]\nInnerHost = \"h\"\n[[Services.Endpoints]]\nHost = \"h\"\n",
		"duplicate":        svc + svc,
		"no endpoints":     "[[Services]]\nName = \"x\"\n",
		"global attempts":  "[Campaign]\nMaxGlobalAttempts = -1\n" + svc,
		"concurrency":      "[Campaign]\nMaxConcurrentAttempts = -2\n" + svc,
		"stagger":          "[Campaign]\nStaggerMs = -5\n" + svc,
		"retries":          "[Retry]\nMaxAttempts = -1\n" + svc,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestConfigExplicitZero(t *testing.T) {
	require := require.New(t)

	const body = `
[Campaign]
  StaggerMs = 0

[Retry]
  MaxAttempts = 0
  Jitter = 0.0

[[Services]]
  Name = "chat"
  [[Services.Endpoints]]
    Host = "chat.example.org"
`
	cfg, err := Load([]byte(body))
	require.NoError(err)
	require.Equal(0, cfg.Campaign.StaggerMs)
	require.Equal(defaultMaxGlobalAttempts, cfg.Campaign.MaxGlobalAttempts)

	p := cfg.Retry.Policy()
	require.NoError(p.Validate())
	require.Equal(0, p.MaxAttempts)
	require.False(p.Exhausted(1000))
	require.Zero(p.Jitter)

	// Without a file, zero still means unset.
	cfg = &Config{
		Services: []*Service{{Name: "chat", Endpoints: []*Endpoint{{Host: "chat.example.org"}}}},
	}
	require.NoError(cfg.FixupAndValidate())
	require.Equal(defaultStaggerMs, cfg.Campaign.StaggerMs)
	require.Equal(retry.DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	require.Equal(retry.DefaultJitter, cfg.Retry.Jitter)
}
