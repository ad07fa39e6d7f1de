package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the media gateway configuration
type Config struct {
	HTTPPort      int
	HTTPBindAddr  string
	RTPBindAddr   string
	AdvertiseAddr string // Address to advertise in SDP
	RTPPortMin    int
	RTPPortMax    int

	AIURL          string
	AIAPIKey       string
	AIVoice        string
	AIInstructions string

	AIVADThreshold float64
	AIVADPrefixMS  int
	AIVADSilenceMS int

	JitterCapacity int
	SilenceTimeout time.Duration

	NATSURL string // Empty disables event publishing

	NodeID   string
	LogLevel string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.HTTPPort, "http-port", 8088, "Control API port")
	flag.StringVar(&cfg.HTTPBindAddr, "http-bind", "0.0.0.0", "Control API bind address")
	flag.StringVar(&cfg.RTPBindAddr, "rtp-bind", "0.0.0.0", "RTP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SDP (auto-detected if not set)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Minimum RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Maximum RTP port")
	flag.StringVar(&cfg.AIURL, "ai-url", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview", "AI realtime endpoint URL")
	flag.StringVar(&cfg.AIVoice, "ai-voice", "alloy", "AI voice")
	flag.StringVar(&cfg.AIInstructions, "ai-instructions", "", "AI system instructions")
	flag.Float64Var(&cfg.AIVADThreshold, "ai-vad-threshold", 0.5, "Server VAD activation threshold (0..1)")
	flag.IntVar(&cfg.AIVADPrefixMS, "ai-vad-prefix-ms", 300, "Audio included before detected speech (ms)")
	flag.IntVar(&cfg.AIVADSilenceMS, "ai-vad-silence-ms", 500, "Silence duration that ends a turn (ms)")
	flag.IntVar(&cfg.JitterCapacity, "jitter-capacity", 5, "Jitter buffer capacity in frames")
	flag.DurationVar(&cfg.SilenceTimeout, "silence-timeout", 20*time.Second, "Hang up after this much silence on an active call")
	flag.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL (empty disables call events)")
	flag.StringVar(&cfg.NodeID, "node-id", "", "Node identifier stamped on call events")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("HTTP_BIND"); v != "" {
		cfg.HTTPBindAddr = v
	}
	if v := os.Getenv("RTP_BIND"); v != "" {
		cfg.RTPBindAddr = v
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		cfg.RTPPortMin, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		cfg.RTPPortMax, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("AI_URL"); v != "" {
		cfg.AIURL = v
	}
	// The API key is secret; it is never accepted as a flag.
	cfg.AIAPIKey = os.Getenv("AI_API_KEY")
	if cfg.AIAPIKey == "" {
		cfg.AIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("AI_VOICE"); v != "" {
		cfg.AIVoice = v
	}
	if v := os.Getenv("AI_INSTRUCTIONS"); v != "" {
		cfg.AIInstructions = v
	}
	if v := os.Getenv("AI_VAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AIVADThreshold = f
		}
	}
	if v := os.Getenv("AI_VAD_PREFIX_MS"); v != "" {
		cfg.AIVADPrefixMS, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("AI_VAD_SILENCE_MS"); v != "" {
		cfg.AIVADSilenceMS, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("JITTER_CAPACITY"); v != "" {
		cfg.JitterCapacity, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SILENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SilenceTimeout = d
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
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
