// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the detour configuration.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/nyquist/dh"

	"github.com/katzenpost/detour/core/retry"
	"github.com/katzenpost/detour/core/wire"
)

const (
	defaultLogLevel = "NOTICE"

	defaultResolveMs  = 5000
	defaultConnectMs  = 10000
	defaultTLSMs      = 10000
	defaultProxyMs    = 10000
	defaultUpgradeMs  = 10000
	defaultAttemptMs  = 30000
	defaultCampaignMs = 60000

	defaultStaggerMs             = 500
	defaultMaxConcurrentAttempts = 4
	defaultMaxGlobalAttempts     = 32

	defaultRecencyWindowMs = 5 * 60 * 1000
	defaultDemoteAfter     = 3

	defaultResolutionDelayMs = 50

	defaultPort     = 443
	defaultPath     = "/"
	defaultQUICALPN = "detour/1"

	maxSocks5AuthLen = 255

	// ProxyNone disables the upstream proxy.
	ProxyNone = "none"
	// ProxySOCKS5 is a plain SOCKS5 proxy.
	ProxySOCKS5 = "socks5"
	// ProxyTorSOCKS5 is Tor's SOCKS port, with per target stream isolation.
	ProxyTorSOCKS5 = "tor+socks5"
	// ProxyHTTP is an HTTP proxy supporting CONNECT.
	ProxyHTTP = "http"

	// UpgradeNone leaves the TLS stream as the transport.
	UpgradeNone = "none"
	// UpgradeWebSocket upgrades to a WebSocket.
	UpgradeWebSocket = "websocket"
	// UpgradeNoise runs a Noise handshake over TLS.
	UpgradeNoise = "noise"
	// UpgradeWebSocketNoise runs a Noise handshake over a WebSocket.
	UpgradeWebSocketNoise = "websocket+noise"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type ("none", "socks5", "tor+socks5", "http").
	Type string

	// Address is the proxy's host:port.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	host string
	port uint16
}

func (uCfg *UpstreamProxy) validate() error {
	uCfg.Type = strings.ToLower(uCfg.Type)
	switch uCfg.Type {
	case "":
		uCfg.Type = ProxyNone
		return nil
	case ProxyNone:
		return nil
	case ProxySOCKS5, ProxyTorSOCKS5, ProxyHTTP:
	default:
		return fmt.Errorf("config: UpstreamProxy: Type '%v' is invalid", uCfg.Type)
	}

	uLen, pLen := len(uCfg.User), len(uCfg.Password)
	if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
		return errors.New("config: UpstreamProxy: Both User and Password must be specified")
	}
	if uCfg.Type != ProxyHTTP && (uLen > maxSocks5AuthLen || pLen > maxSocks5AuthLen) {
		return errors.New("config: UpstreamProxy: User or Password too long")
	}
	if uCfg.Type == ProxyTorSOCKS5 && uLen != 0 {
		return errors.New("config: UpstreamProxy: Tor SOCKS5 conflicts with setting User/Password")
	}

	host, port, err := splitHostPort(uCfg.Address)
	if err != nil {
		return fmt.Errorf("config: UpstreamProxy: Address '%v' is invalid: %v", uCfg.Address, err)
	}
	uCfg.host, uCfg.port = host, port
	return nil
}

// Enabled returns true if a proxy is configured.
func (uCfg *UpstreamProxy) Enabled() bool {
	return uCfg != nil && uCfg.Type != "" && uCfg.Type != ProxyNone
}

// Host returns the validated proxy host.
func (uCfg *UpstreamProxy) Host() string { return uCfg.host }

// Port returns the validated proxy port.
func (uCfg *UpstreamProxy) Port() uint16 { return uCfg.port }

// Timeouts are the per hop and overall time budgets, in milliseconds.
type Timeouts struct {
	ResolveMs  int
	ConnectMs  int
	TLSMs      int
	ProxyMs    int
	UpgradeMs  int
	AttemptMs  int
	CampaignMs int
}

func (t *Timeouts) fixup() {
	setDefault(&t.ResolveMs, defaultResolveMs)
	setDefault(&t.ConnectMs, defaultConnectMs)
	setDefault(&t.TLSMs, defaultTLSMs)
	setDefault(&t.ProxyMs, defaultProxyMs)
	setDefault(&t.UpgradeMs, defaultUpgradeMs)
	setDefault(&t.AttemptMs, defaultAttemptMs)
	setDefault(&t.CampaignMs, defaultCampaignMs)
}

func (t *Timeouts) validate() error {
	for name, v := range map[string]int{
		"ResolveMs":  t.ResolveMs,
		"ConnectMs":  t.ConnectMs,
		"TLSMs":      t.TLSMs,
		"ProxyMs":    t.ProxyMs,
		"UpgradeMs":  t.UpgradeMs,
		"AttemptMs":  t.AttemptMs,
		"CampaignMs": t.CampaignMs,
	} {
		if v < 0 {
			return fmt.Errorf("config: Timeouts: %v must not be negative", name)
		}
	}
	return nil
}

// Campaign tunes how candidate routes are raced.
type Campaign struct {
	// StaggerMs is how long a route runs before the next one is launched
	// alongside it.
	StaggerMs int

	// MaxConcurrentAttempts bounds the attempts in flight per campaign.
	MaxConcurrentAttempts int

	// MaxGlobalAttempts bounds the attempts in flight across campaigns.
	MaxGlobalAttempts int
}

func (c *Campaign) fixup(isDefined func(key string) bool) {
	if !isDefined("StaggerMs") {
		setDefault(&c.StaggerMs, defaultStaggerMs)
	}
	setDefault(&c.MaxConcurrentAttempts, defaultMaxConcurrentAttempts)
	setDefault(&c.MaxGlobalAttempts, defaultMaxGlobalAttempts)
}

func (c *Campaign) validate() error {
	switch {
	case c.StaggerMs < 0:
		return errors.New("config: Campaign: StaggerMs must not be negative")
	case c.MaxConcurrentAttempts < 1:
		return errors.New("config: Campaign: MaxConcurrentAttempts must be positive")
	case c.MaxGlobalAttempts < 1:
		return errors.New("config: Campaign: MaxGlobalAttempts must be positive")
	}
	return nil
}

// Retry is the default policy of a retrying connect.  An explicit zero
// MaxAttempts retries until cancelled, and an explicit zero Jitter disables
// jitter.
type Retry struct {
	MaxAttempts int
	BaseDelayMs int
	MaxDelayMs  int
	Jitter      float64
}

// Policy converts the section to a retry.Policy.
func (r *Retry) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   Duration(r.BaseDelayMs),
		MaxDelay:    Duration(r.MaxDelayMs),
		Jitter:      r.Jitter,
	}
}

func (r *Retry) fixup(isDefined func(key string) bool) {
	if r.MaxAttempts == 0 && !isDefined("MaxAttempts") {
		r.MaxAttempts = retry.DefaultMaxAttempts
	}
	setDefault(&r.BaseDelayMs, int(retry.DefaultBaseDelay/time.Millisecond))
	setDefault(&r.MaxDelayMs, int(retry.DefaultMaxDelay/time.Millisecond))
	if r.Jitter == 0 && !isDefined("Jitter") {
		r.Jitter = retry.DefaultJitter
	}
}

// Health tunes route health memory.
type Health struct {
	// RecencyWindowMs is how long a success keeps a route in front.
	RecencyWindowMs int

	// DemoteAfter is the consecutive failure count at which a route is
	// moved behind the healthy ones.
	DemoteAfter int
}

func (h *Health) fixup() {
	setDefault(&h.RecencyWindowMs, defaultRecencyWindowMs)
	setDefault(&h.DemoteAfter, defaultDemoteAfter)
}

// Resolver configures name resolution.
type Resolver struct {
	// Servers are optional DNS servers (host:port) used instead of the
	// system resolver.
	Servers []string

	// PreferIPv6 tries IPv6 addresses first.
	PreferIPv6 bool

	// DisableIPv4 and DisableIPv6 drop the respective address family.
	DisableIPv4 bool
	DisableIPv6 bool

	// ResolutionDelayMs is how long an answer of the non-preferred family
	// is held back waiting for the preferred one.
	ResolutionDelayMs int
}

func (r *Resolver) validate() error {
	if r.DisableIPv4 && r.DisableIPv6 {
		return errors.New("config: Resolver: both address families are disabled")
	}
	setDefault(&r.ResolutionDelayMs, defaultResolutionDelayMs)
	for i, s := range r.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			r.Servers[i] = net.JoinHostPort(s, "53")
		}
	}
	return nil
}

// Fronting describes a CDN front for a service.
type Fronting struct {
	// FrontDomains are the innocuous domains presented in DNS and SNI.
	FrontDomains []string

	// InnerHost is the real service host, presented in the HTTP Host
	// header inside TLS.
	InnerHost string
}

// Endpoint is one way to address a service.
type Endpoint struct {
	Host string
	Port int

	// ServerName is the expected TLS identity, Host when empty.
	ServerName string

	// Path is the WebSocket request path.
	Path string

	// Upgrade is one of "none", "websocket", "noise", "websocket+noise".
	Upgrade string

	// NoisePattern is "NK" (the default) or "IK".
	NoisePattern string

	// NoisePublicKey is the server's base64 X25519 static key.
	NoisePublicKey string

	// NoisePrivateKey is the client's base64 X25519 static key, for IK.
	NoisePrivateKey string

	// PinnedSPKI are base64 SHA-256 digests of acceptable server
	// SubjectPublicKeyInfo.
	PinnedSPKI []string

	// QUIC additionally proposes a direct QUIC route on QUICPort.
	QUIC     bool
	QUICPort int
	QUICALPN []string

	noisePattern wire.Pattern
	serverKey    dh.PublicKey
	localStatic  dh.Keypair
	pins         [][]byte
}

func (e *Endpoint) validate(svc string) error {
	if e.Host == "" {
		return fmt.Errorf("config: Service '%v': Endpoint with no Host", svc)
	}
	setDefault(&e.Port, defaultPort)
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("config: Service '%v': Endpoint '%v' has invalid Port %d", svc, e.Host, e.Port)
	}
	if e.ServerName == "" {
		e.ServerName = e.Host
	}

	e.Upgrade = strings.ToLower(e.Upgrade)
	switch e.Upgrade {
	case "":
		e.Upgrade = UpgradeNone
	case UpgradeNone, UpgradeWebSocket, UpgradeNoise, UpgradeWebSocketNoise:
	default:
		return fmt.Errorf("config: Service '%v': Upgrade '%v' is invalid", svc, e.Upgrade)
	}
	if e.HasWebSocket() && e.Path == "" {
		e.Path = defaultPath
	}

	if e.HasNoise() {
		var err error
		if e.noisePattern, err = wire.ParsePattern(e.NoisePattern); err != nil {
			return fmt.Errorf("config: Service '%v': %v", svc, err)
		}
		if e.NoisePublicKey == "" {
			return fmt.Errorf("config: Service '%v': Noise requires NoisePublicKey", svc)
		}
		if e.serverKey, err = wire.ParsePublicKey(e.NoisePublicKey); err != nil {
			return fmt.Errorf("config: Service '%v': %v", svc, err)
		}
		if e.noisePattern == wire.PatternIK {
			if e.NoisePrivateKey == "" {
				return fmt.Errorf("config: Service '%v': IK requires NoisePrivateKey", svc)
			}
			if e.localStatic, err = wire.ParsePrivateKey(e.NoisePrivateKey); err != nil {
				return fmt.Errorf("config: Service '%v': %v", svc, err)
			}
		}
	}

	e.pins = nil
	for _, p := range e.PinnedSPKI {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("config: Service '%v': PinnedSPKI '%v' is not a base64 SHA-256 digest", svc, p)
		}
		e.pins = append(e.pins, raw)
	}

	if e.QUIC {
		setDefault(&e.QUICPort, e.Port)
		if e.QUICPort < 1 || e.QUICPort > 65535 {
			return fmt.Errorf("config: Service '%v': QUICPort %d is invalid", svc, e.QUICPort)
		}
		if len(e.QUICALPN) == 0 {
			e.QUICALPN = []string{defaultQUICALPN}
		}
	}
	return nil
}

// HasWebSocket returns true if the endpoint upgrades to a WebSocket.
func (e *Endpoint) HasWebSocket() bool {
	return e.Upgrade == UpgradeWebSocket || e.Upgrade == UpgradeWebSocketNoise
}

// HasNoise returns true if the endpoint runs a Noise handshake.
func (e *Endpoint) HasNoise() bool {
	return e.Upgrade == UpgradeNoise || e.Upgrade == UpgradeWebSocketNoise
}

// NoisePatternValue returns the validated Noise pattern.
func (e *Endpoint) NoisePatternValue() wire.Pattern { return e.noisePattern }

// NoiseServerKey returns the parsed Noise server key, if any.
func (e *Endpoint) NoiseServerKey() dh.PublicKey { return e.serverKey }

// NoiseLocalStatic returns the parsed Noise client key, if any.
func (e *Endpoint) NoiseLocalStatic() dh.Keypair { return e.localStatic }

// Pins returns the decoded SPKI pins.
func (e *Endpoint) Pins() [][]byte { return e.pins }

// Service is a logical target and how to reach it.
type Service struct {
	// Name is the target name callers connect to.
	Name string

	Endpoints []*Endpoint
	Fronting  *Fronting

	// DisableDirect and DisableProxy drop the respective strategies for
	// this service.
	DisableDirect bool
	DisableProxy  bool
}

func (s *Service) validate() error {
	if s.Name == "" {
		return errors.New("config: Service with no Name")
	}
	if len(s.Endpoints) == 0 {
		return fmt.Errorf("config: Service '%v' has no Endpoints", s.Name)
	}
	hasWS := false
	for _, e := range s.Endpoints {
		if err := e.validate(s.Name); err != nil {
			return err
		}
		hasWS = hasWS || e.HasWebSocket()
	}
	if s.Fronting != nil {
		if s.Fronting.InnerHost == "" || len(s.Fronting.FrontDomains) == 0 {
			return fmt.Errorf("config: Service '%v': Fronting requires FrontDomains and InnerHost", s.Name)
		}
		if !hasWS {
			return fmt.Errorf("config: Service '%v': Fronting requires a WebSocket endpoint", s.Name)
		}
	}
	return nil
}

// Config is the top level detour configuration.
type Config struct {
	Logging       *Logging
	UpstreamProxy *UpstreamProxy
	Timeouts      *Timeouts
	Campaign      *Campaign
	Retry         *Retry
	Health        *Health
	Resolver      *Resolver
	Services      []*Service

	md *toml.MetaData
}

// sectionKeys returns a predicate telling whether a key of section was
// present in the parsed file.  Configurations built in code have no file,
// so only non-zero values count as set there.
func (c *Config) sectionKeys(section string) func(key string) bool {
	return func(key string) bool {
		return c.md != nil && c.md.IsDefined(section, key)
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = &UpstreamProxy{Type: ProxyNone}
	}
	if c.Timeouts == nil {
		c.Timeouts = &Timeouts{}
	}
	if c.Campaign == nil {
		c.Campaign = &Campaign{}
	}
	if c.Retry == nil {
		c.Retry = &Retry{}
	}
	if c.Health == nil {
		c.Health = &Health{}
	}
	if c.Resolver == nil {
		c.Resolver = &Resolver{}
	}
	c.Timeouts.fixup()
	c.Campaign.fixup(c.sectionKeys("Campaign"))
	c.Retry.fixup(c.sectionKeys("Retry"))
	c.Health.fixup()

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.UpstreamProxy.validate(); err != nil {
		return err
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if err := c.Campaign.validate(); err != nil {
		return err
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("config: Retry: %v", err)
	}
	if err := c.Resolver.validate(); err != nil {
		return err
	}
	if len(c.Services) == 0 {
		return errors.New("config: No Services were configured")
	}
	seen := make(map[string]bool)
	for _, s := range c.Services {
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("config: Service '%v' is configured twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Service returns the named service, or nil.
func (c *Config) Service(name string) *Service {
	for _, s := range c.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	cfg.md = &md
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Duration converts a millisecond configuration value.
func Duration(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port '%v'", portStr)
	}
	return host, uint16(port), nil
}
