// Package config holds the client configuration gathered from CLI flags and
// PEERCALL_* environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

const (
	envUserID         = "PEERCALL_USER_ID"
	envRelayURL       = "PEERCALL_RELAY_URL"
	envICEServersJSON = "PEERCALL_ICE_SERVERS_JSON"
	envStunURLs       = "PEERCALL_STUN_URLS"
	envTurnURLs       = "PEERCALL_TURN_URLS"
	envTurnUsername   = "PEERCALL_TURN_USERNAME"
	envTurnCredential = "PEERCALL_TURN_CREDENTIAL"
	envAudioDevice    = "PEERCALL_AUDIO_DEVICE"
	envVideoDevice    = "PEERCALL_VIDEO_DEVICE"
	envRecordDir      = "PEERCALL_RECORD_DIR"
	envRingTimeout    = "PEERCALL_RING_TIMEOUT"
	envSendTimeout    = "PEERCALL_SEND_TIMEOUT"
	envUDPPortRange   = "PEERCALL_UDP_PORT_RANGE"
	envLogLevel       = "PEERCALL_LOG_LEVEL"
)

const (
	DefaultRingTimeout = 45 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

// Config stores every parameter the call client needs.
type Config struct {
	UserID   int64  // local user id; inbox owner and from_user_id on every message
	RelayURL string // WebSocket URL of the signaling relay

	ICEServers []webrtc.ICEServer

	AudioDevice string // "" = built-in silence, otherwise an Ogg/Opus file
	VideoDevice string // IVF (VP8) file; "" = no camera
	RecordDir   string // when set, remote media is written here

	RingTimeout time.Duration // 0 disables; unanswered calls are hung up after this
	SendTimeout time.Duration // per signaling message

	UDPPortMin uint16 // 0/0 = let the OS choose
	UDPPortMax uint16

	CallUser   int64 // when non-zero, call this user right after connecting
	Video      bool  // medium for CallUser
	AutoAnswer bool
	Debug      bool
	LogLevel   string // trace, debug, info, warn or error
}

// Load parses args (without the program name) and falls back to getenv for
// anything not given on the command line.
func Load(args []string, getenv func(string) string) (Config, error) {
	fs := flag.NewFlagSet("peercall", flag.ContinueOnError)

	user := fs.Int64("user", 0, "Local user id (env "+envUserID+")")
	relay := fs.String("relay", "", "Signaling relay WebSocket URL (env "+envRelayURL+")")
	iceJSON := fs.String("ice-servers", "", "ICE servers as RTCIceServer JSON array (env "+envICEServersJSON+")")
	stun := fs.String("stun", "", "Comma-separated STUN URLs (env "+envStunURLs+")")
	turn := fs.String("turn", "", "Comma-separated TURN URLs (env "+envTurnURLs+")")
	turnUser := fs.String("turn-user", "", "TURN username (env "+envTurnUsername+")")
	turnCred := fs.String("turn-credential", "", "TURN credential (env "+envTurnCredential+")")
	audio := fs.String("audio", "", "Audio device: Ogg/Opus file, empty for silence (env "+envAudioDevice+")")
	video := fs.String("video-device", "", "Video device: IVF/VP8 file (env "+envVideoDevice+")")
	record := fs.String("record", "", "Directory to record remote media into (env "+envRecordDir+")")
	ring := fs.Duration("ring-timeout", 0, "Hang up calls not answered within this duration, 0 keeps the default (env "+envRingTimeout+")")
	send := fs.Duration("send-timeout", 0, "Timeout for a single signaling send (env "+envSendTimeout+")")
	ports := fs.String("udp-ports", "", "Ephemeral UDP port range for ICE, e.g. 50000-50100 (env "+envUDPPortRange+")")
	call := fs.Int64("call", 0, "Call this user id right after connecting")
	withVideo := fs.Bool("with-video", false, "Use audio+video for -call")
	autoAnswer := fs.Bool("auto-answer", false, "Accept incoming calls without prompting")
	debug := fs.Bool("debug", false, "Enable debug logging")
	logLevel := fs.String("log-level", "", "trace, debug, info, warn or error (env "+envLogLevel+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RelayURL:    firstNonEmpty(*relay, getenv(envRelayURL)),
		AudioDevice: firstNonEmpty(*audio, getenv(envAudioDevice)),
		VideoDevice: firstNonEmpty(*video, getenv(envVideoDevice)),
		RecordDir:   firstNonEmpty(*record, getenv(envRecordDir)),
		CallUser:    *call,
		Video:       *withVideo,
		AutoAnswer:  *autoAnswer,
		Debug:       *debug,
		LogLevel:    firstNonEmpty(*logLevel, getenv(envLogLevel), "info"),
	}
	if cfg.Debug && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}

	cfg.UserID = *user
	if cfg.UserID == 0 {
		if raw := strings.TrimSpace(getenv(envUserID)); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", envUserID, err)
			}
			cfg.UserID = id
		}
	}

	servers, err := ParseICEServers(
		firstNonEmpty(*iceJSON, getenv(envICEServersJSON)),
		firstNonEmpty(*stun, getenv(envStunURLs)),
		firstNonEmpty(*turn, getenv(envTurnURLs)),
		firstNonEmpty(*turnUser, getenv(envTurnUsername)),
		firstNonEmpty(*turnCred, getenv(envTurnCredential)),
	)
	if err != nil {
		return Config{}, err
	}
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	cfg.ICEServers = servers

	if cfg.RingTimeout, err = durationOr(*ring, getenv(envRingTimeout), DefaultRingTimeout); err != nil {
		return Config{}, fmt.Errorf("%s: %w", envRingTimeout, err)
	}
	if cfg.SendTimeout, err = durationOr(*send, getenv(envSendTimeout), DefaultSendTimeout); err != nil {
		return Config{}, fmt.Errorf("%s: %w", envSendTimeout, err)
	}

	if raw := firstNonEmpty(*ports, getenv(envUDPPortRange)); raw != "" {
		if cfg.UDPPortMin, cfg.UDPPortMax, err = ParsePortRange(raw); err != nil {
			return Config{}, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields every run needs.
func (c Config) Validate() error {
	if c.UserID <= 0 {
		return errors.New("missing or invalid user id (-user)")
	}
	if c.CallUser == c.UserID {
		return errors.New("cannot call yourself")
	}
	if c.CallUser < 0 {
		return errors.New("invalid -call user id")
	}
	if _, err := NormalizeRelayURL(c.RelayURL); err != nil {
		return err
	}
	if c.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if c.RingTimeout < 0 {
		return errors.New("ring timeout must not be negative")
	}
	if _, err := util.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NormalizeRelayURL validates a relay URL, defaulting the scheme to wss.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing relay URL (-relay)")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

// ParsePortRange parses "min-max".
func ParsePortRange(raw string) (uint16, uint16, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid UDP port range %q: want min-max", raw)
	}
	first, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid UDP port range %q: %w", raw, err)
	}
	last, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid UDP port range %q: %w", raw, err)
	}
	if first == 0 || last < first {
		return 0, 0, fmt.Errorf("invalid UDP port range %q", raw)
	}
	return uint16(first), uint16(last), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func durationOr(flagValue time.Duration, envValue string, def time.Duration) (time.Duration, error) {
	if flagValue != 0 {
		return flagValue, nil
	}
	if envValue = strings.TrimSpace(envValue); envValue != "" {
		return time.ParseDuration(envValue)
	}
	return def, nil
}
