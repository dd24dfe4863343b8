// Package config loads process configuration from command-line flags with
// environment variable overrides, in that order, matching the rest of the
// ambient stack's preference for stdlib over a config framework.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"flag"
)

// Config holds the orchestrator's process-wide configuration: SIP bind
// settings, realm policy, Verto listen specs, and
// the backend engine pool / docker image references.
type Config struct {
	// SIP
	Port          int
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string

	SIPRegistrar             bool
	SIPDomain                string
	SIPRegistrarForceDomain  bool
	SIPInviteNotRegistered   bool

	// Service is the logical tenant every adapter scopes its operations to.
	Service string

	// Verto
	VertoListen []string // ws://host:port specs

	// External API
	APIListen string // ws://host:port

	// Backend engines
	FSAddrs          []string
	KMSAddrs         []string
	FSDockerImage    string
	KMSDockerImage   string

	GRPCConnectTimeout    time.Duration
	GRPCKeepaliveInterval time.Duration
	GRPCKeepaliveTimeout  time.Duration

	// Timers
	DefaultRingSeconds int
	MaxRingSeconds     int
	ReadyTimeout       time.Duration
	StopGrace          time.Duration
}

// DefaultRing and MaxRing bound the per-invite ring budget.
const (
	DefaultRing = 30
	MaxRing     = 120
)

// Load parses flags and applies environment variable overrides.
func Load() *Config {
	cfg := &Config{
		GRPCConnectTimeout:    10 * time.Second,
		GRPCKeepaliveInterval: 30 * time.Second,
		GRPCKeepaliveTimeout:  10 * time.Second,
		DefaultRingSeconds:    DefaultRing,
		MaxRingSeconds:        MaxRing,
		ReadyTimeout:          2 * time.Second,
		StopGrace:             100 * time.Millisecond,
	}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")

	flag.BoolVar(&cfg.SIPRegistrar, "sip-registrar", true, "accept REGISTER at all")
	flag.StringVar(&cfg.SIPDomain, "sip-domain", "", "realm / force-domain value")
	flag.BoolVar(&cfg.SIPRegistrarForceDomain, "sip-registrar-force-domain", false, "rewrite REGISTER To-domain")
	flag.BoolVar(&cfg.SIPInviteNotRegistered, "sip-invite-not-registered", false, "permit INVITE to unregistered URIs")

	flag.StringVar(&cfg.Service, "service", "default", "logical tenant identifier")

	var vertoListen string
	flag.StringVar(&vertoListen, "verto-listen", "ws://0.0.0.0:8081", "Verto WebSocket bind specs (comma-separated)")
	flag.StringVar(&cfg.APIListen, "api-listen", "ws://0.0.0.0:8082", "External API WebSocket bind spec")

	var fsAddrs, kmsAddrs string
	flag.StringVar(&fsAddrs, "fs-addrs", "localhost:9090", "FS backend gRPC addresses (comma-separated)")
	flag.StringVar(&kmsAddrs, "kms-addrs", "localhost:9091", "KMS backend gRPC addresses (comma-separated)")
	flag.StringVar(&cfg.FSDockerImage, "fs-docker-image", "", "FS backend engine image reference")
	flag.StringVar(&cfg.KMSDockerImage, "kms-docker-image", "", "KMS backend engine image reference")

	flag.IntVar(&cfg.DefaultRingSeconds, "default-ring", DefaultRing, "default ring timeout in seconds")
	flag.IntVar(&cfg.MaxRingSeconds, "max-ring", MaxRing, "ring timeout cap in seconds")

	flag.Parse()

	cfg.VertoListen = parseList(vertoListen)
	cfg.FSAddrs = parseList(fsAddrs)
	cfg.KMSAddrs = parseList(kmsAddrs)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if domain := os.Getenv("SIP_DOMAIN"); domain != "" {
		cfg.SIPDomain = domain
	}
	if vl := os.Getenv("VERTO_LISTEN"); vl != "" {
		cfg.VertoListen = parseList(vl)
	}
	if al := os.Getenv("API_LISTEN"); al != "" {
		cfg.APIListen = al
	}
	if svc := os.Getenv("SERVICE"); svc != "" {
		cfg.Service = svc
	}
	if fs := os.Getenv("FS_ADDRS"); fs != "" {
		cfg.FSAddrs = parseList(fs)
	}
	if kms := os.Getenv("KMS_ADDRS"); kms != "" {
		cfg.KMSAddrs = parseList(kms)
	}

	if cfg.MaxRingSeconds > 0 && cfg.DefaultRingSeconds > cfg.MaxRingSeconds {
		cfg.DefaultRingSeconds = cfg.MaxRingSeconds
	}

	return cfg
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
