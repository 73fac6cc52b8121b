package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// Config holds the console position configuration
type Config struct {
	// Position settings
	PositionID string
	Device     string // Operator device that owns acquired bridge resources
	Lines      []callctl.LineConfig

	// Call timing
	RingingTimeout    time.Duration
	DialPause         time.Duration
	ReconcileTimeout  time.Duration
	RelocationTimeout time.Duration
	CleanupTimeout    time.Duration
	RebidInterval     time.Duration
	FinishedRetention time.Duration

	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers
	Transport     string
	MediaPort     int
	// SIPNodes maps node ID to the SIP address of its signaling front
	// (e.g., "node1" -> "10.0.0.5:5060")
	SIPNodes    map[string]string
	DefaultNode string

	// Bridging node pool settings
	// VCCNodes maps node ID to gRPC address (e.g., "node1" -> "10.0.0.5:9090")
	VCCNodes              map[string]string
	RPCTimeout            time.Duration
	GRPCKeepaliveInterval time.Duration
	GRPCKeepaliveTimeout  time.Duration

	APIAddr  string
	LogLevel string
}

// Load loads configuration from command line flags and environment variables
func Load() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:], os.Getenv)
}

func load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		RPCTimeout:            5 * time.Second,
		GRPCKeepaliveInterval: 30 * time.Second,
		GRPCKeepaliveTimeout:  10 * time.Second,
	}
	def := callctl.DefaultConfig()

	// Define flags
	fs.StringVar(&cfg.PositionID, "position", def.PositionID, "Position identifier")
	fs.StringVar(&cfg.Device, "device", "", "Operator device (defaults to the position id)")
	fs.DurationVar(&cfg.RingingTimeout, "ringing-timeout", def.RingingTimeout, "Wait for a dialed call to alert")
	fs.DurationVar(&cfg.DialPause, "dial-pause", def.DialPause, "Delay for a ',' in a dial string")
	fs.DurationVar(&cfg.ReconcileTimeout, "reconcile-timeout", def.ReconcileTimeout, "Wait for an in-flight operation before reconciling participants")
	fs.DurationVar(&cfg.RelocationTimeout, "relocation-timeout", def.RelocationTimeout, "Wait for a patched internode call to relocate")
	fs.DurationVar(&cfg.CleanupTimeout, "cleanup-timeout", def.CleanupTimeout, "Timeout for background hangups and releases")
	fs.DurationVar(&cfg.RebidInterval, "rebid-interval", def.RebidInterval, "Repeat delay of a forced continuous rebid")
	fs.DurationVar(&cfg.FinishedRetention, "finished-retention", def.FinishedRetention, "How long finished calls stay listed")
	fs.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.Transport, "transport", "udp", "SIP transport")
	fs.IntVar(&cfg.MediaPort, "media-port", 4000, "RTP port offered in SDP")
	fs.StringVar(&cfg.DefaultNode, "default-node", "", "Node for offers without an X-Node-ID header")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "Bridging node request timeout")
	fs.StringVar(&cfg.APIAddr, "api", ":8080", "HTTP API listen address")
	fs.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")

	var lines, vccNodes, sipNodes string
	fs.StringVar(&lines, "lines", "trunk1=trunk/public", "Line appearances: id=type[/sharing[/prefix|prefix]], comma-separated")
	fs.StringVar(&vccNodes, "vcc", "node1=localhost:9090", "Bridging node gRPC addresses: node=addr, comma-separated")
	fs.StringVar(&sipNodes, "sip-nodes", "node1=localhost:5070", "Bridging node SIP addresses: node=addr, comma-separated")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if v := getenv("POSITION_ID"); v != "" {
		cfg.PositionID = v
	}
	if v := getenv("DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := getenv("LINES"); v != "" {
		lines = v
	}
	if v := getenv("VCC_NODES"); v != "" {
		vccNodes = v
	}
	if v := getenv("SIP_NODES"); v != "" {
		sipNodes = v
	}
	if v := getenv("DEFAULT_NODE"); v != "" {
		cfg.DefaultNode = v
	}
	if port := getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if loglevel := getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	for env, dst := range map[string]*time.Duration{
		"RINGING_TIMEOUT":    &cfg.RingingTimeout,
		"DIAL_PAUSE":         &cfg.DialPause,
		"RECONCILE_TIMEOUT":  &cfg.ReconcileTimeout,
		"FINISHED_RETENTION": &cfg.FinishedRetention,
	} {
		if v := getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}

	var err error
	if cfg.Lines, err = parseLines(lines); err != nil {
		return nil, err
	}
	cfg.VCCNodes = parseNodeAddresses(vccNodes)
	if len(cfg.VCCNodes) == 0 {
		return nil, fmt.Errorf("no bridging nodes configured in %q", vccNodes)
	}
	cfg.SIPNodes = parseNodeAddresses(sipNodes)
	if cfg.DefaultNode == "" {
		cfg.DefaultNode = firstNode(cfg.VCCNodes)
	}
	if cfg.Device == "" {
		cfg.Device = cfg.PositionID
	}
	return cfg, nil
}

// Position returns the call control configuration.
func (c *Config) Position() callctl.Config {
	return callctl.Config{
		PositionID:        c.PositionID,
		Device:            c.Device,
		Lines:             c.Lines,
		RingingTimeout:    c.RingingTimeout,
		DialPause:         c.DialPause,
		ReconcileTimeout:  c.ReconcileTimeout,
		RelocationTimeout: c.RelocationTimeout,
		CleanupTimeout:    c.CleanupTimeout,
		RebidInterval:     c.RebidInterval,
		FinishedRetention: c.FinishedRetention,
	}
}

// parseLines parses line appearances.
// Example: "trunk1=trunk/public/9|8,sip1=sip,ic1=intercom/private"
func parseLines(s string) ([]callctl.LineConfig, error) {
	var out []callctl.LineConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, spec, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid line %q: want id=type", entry)
		}
		parts := strings.Split(spec, "/")

		lc := callctl.LineConfig{ID: id, Sharing: callctl.SharingPublic}
		var err error
		if lc.Type, err = parseLineType(parts[0]); err != nil {
			return nil, fmt.Errorf("line %s: %w", id, err)
		}
		if len(parts) > 1 {
			if lc.Sharing, err = parseSharing(parts[1]); err != nil {
				return nil, fmt.Errorf("line %s: %w", id, err)
			}
		}
		if len(parts) > 2 {
			for _, prefix := range strings.Split(parts[2], "|") {
				if prefix = strings.TrimSpace(prefix); prefix != "" {
					lc.Prefixes = append(lc.Prefixes, prefix)
				}
			}
		}
		out = append(out, lc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no lines configured")
	}
	return out, nil
}

func parseLineType(s string) (callctl.LineType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trunk":
		return callctl.LineTrunk, nil
	case "sip":
		return callctl.LineSIP, nil
	case "intercom":
		return callctl.LineIntercom, nil
	case "monitor":
		return callctl.LineMonitor, nil
	case "text":
		return callctl.LineText, nil
	}
	return 0, fmt.Errorf("unknown line type %q", s)
}

func parseSharing(s string) (callctl.LineSharing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return callctl.SharingPrivate, nil
	case "shared":
		return callctl.SharingShared, nil
	case "public", "":
		return callctl.SharingPublic, nil
	}
	return 0, fmt.Errorf("unknown line sharing %q", s)
}

// parseNodeAddresses parses a comma-separated list of nodeId=address pairs
// Example: "node1=10.0.0.5:9090,node2=10.0.0.6:9090"
func parseNodeAddresses(s string) map[string]string {
	result := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		nodeID, addr, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		nodeID = strings.TrimSpace(nodeID)
		addr = strings.TrimSpace(addr)
		if nodeID != "" && addr != "" {
			result[nodeID] = addr
		}
	}
	return result
}

func firstNode(nodes map[string]string) string {
	first := ""
	for id := range nodes {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	// Check if it's a valid IP address
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	// Try to resolve as hostname
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
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
