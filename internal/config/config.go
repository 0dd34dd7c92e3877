package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"consensus-mining/internal/pow"
)

const (
	// BusMQTT connects to an MQTT broker (the default, same as the original deployment).
	BusMQTT = "mqtt"
	// BusP2P uses libp2p gossipsub with mDNS peer discovery.
	BusP2P = "p2p"
	// BusInproc keeps every participant inside one process.
	BusInproc = "inproc"

	// DefaultParticipants is used when N is not given on the command line.
	DefaultParticipants = 3
)

// ErrInvalidParticipants is returned for a non-positive or unparsable N.
var ErrInvalidParticipants = errors.New("participant count must be a positive integer")

type Config struct {
	Participants int

	Bus           string
	BrokerURL     string
	MQTTQoS       byte
	P2PListen     string
	P2PServiceTag string
	TopicPrefix   string

	DifficultyMin    int
	DifficultyMax    int
	AnnounceInterval time.Duration
	ChallengeDelay   time.Duration
	YieldEvery       uint64

	MetricsAddr string
	Debug       bool // debug-level logs
	TUI         bool // dashboard owns the terminal, logs go to LogFile
	LogFile     string
	Simulate    bool // run all participants in this process
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Errorf("invalid %s=%q, using %d", key, v, def)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, errors.Errorf("invalid %s=%q, using %s", key, v, def)
	}
	return d, nil
}

// loader collects unparsable values so Load can report all of them at once.
type loader struct {
	errs *multierror.Error
}

func (l *loader) int(key string, def int) int {
	n, err := getenvInt(key, def)
	if err != nil {
		l.errs = multierror.Append(l.errs, err)
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	d, err := getenvDuration(key, def)
	if err != nil {
		l.errs = multierror.Append(l.errs, err)
	}
	return d
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Participants:     DefaultParticipants,
		Bus:              BusMQTT,
		BrokerURL:        "tcp://broker.emqx.io:1883",
		MQTTQoS:          1,
		P2PListen:        "/ip4/0.0.0.0/tcp/0",
		P2PServiceTag:    "consensus-mining",
		TopicPrefix:      "sd/",
		DifficultyMin:    1,
		DifficultyMax:    5,
		AnnounceInterval: 2 * time.Second,
		ChallengeDelay:   2 * time.Second,
		YieldEvery:       50000,
		LogFile:          "participant.log",
	}
}

// Load reads the environment. Unparsable values fall back to their default
// and are reported together in the returned error; the Config is always usable.
func Load() (Config, error) {
	def := Default()
	var l loader
	cfg := Config{
		Participants:     def.Participants,
		Bus:              strings.ToLower(getenv("BUS", def.Bus)),
		BrokerURL:        getenv("BROKER_URL", def.BrokerURL),
		MQTTQoS:          byte(l.int("MQTT_QOS", int(def.MQTTQoS))),
		P2PListen:        getenv("P2P_LISTEN", def.P2PListen),
		P2PServiceTag:    getenv("P2P_SERVICE_TAG", def.P2PServiceTag),
		TopicPrefix:      getenv("TOPIC_PREFIX", def.TopicPrefix),
		DifficultyMin:    l.int("DIFFICULTY_MIN", def.DifficultyMin),
		DifficultyMax:    l.int("DIFFICULTY_MAX", def.DifficultyMax),
		AnnounceInterval: l.duration("ANNOUNCE_INTERVAL", def.AnnounceInterval),
		ChallengeDelay:   l.duration("CHALLENGE_DELAY", def.ChallengeDelay),
		YieldEvery:       uint64(l.int("YIELD_EVERY", int(def.YieldEvery))),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		Debug:            getenvBool("DEBUG", false),
		TUI:              getenvBool("TUI", false),
		LogFile:          getenv("LOG_FILE", def.LogFile),
		Simulate:         getenvBool("SIMULATE", false),
	}
	if cfg.DifficultyMax > pow.MaxDifficulty {
		cfg.DifficultyMax = pow.MaxDifficulty
	}
	if cfg.Simulate {
		cfg.Bus = BusInproc
	}
	return cfg, l.errs.ErrorOrNil()
}

// ParseParticipants interprets the optional positional argument N.
func ParseParticipants(args []string) (int, error) {
	if len(args) == 0 {
		return DefaultParticipants, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || n < 1 {
		return DefaultParticipants, errors.Wrapf(ErrInvalidParticipants, "got %q", args[0])
	}
	return n, nil
}

// Validate checks option combinations that would make a node misbehave.
func (c Config) Validate() error {
	switch c.Bus {
	case BusMQTT:
		u, err := url.Parse(c.BrokerURL)
		if err != nil || u.Host == "" {
			return errors.Errorf("invalid BROKER_URL %q", c.BrokerURL)
		}
	case BusP2P, BusInproc:
	default:
		return errors.Errorf("unsupported BUS: %s", c.Bus)
	}
	if c.Participants < 1 {
		return ErrInvalidParticipants
	}
	if c.MQTTQoS > 2 {
		return errors.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.DifficultyMin < 0 || c.DifficultyMin > c.DifficultyMax {
		return errors.Errorf("invalid difficulty range [%d, %d]", c.DifficultyMin, c.DifficultyMax)
	}
	if c.AnnounceInterval <= 0 {
		return errors.New("ANNOUNCE_INTERVAL must be positive")
	}
	if c.ChallengeDelay < 0 {
		return errors.New("CHALLENGE_DELAY must not be negative")
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("n=%d bus=%s prefix=%s", c.Participants, c.Bus, c.TopicPrefix)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"n=%d bus=%s broker=%s qos=%d p2p=%s prefix=%s difficulty=[%d,%d] announce=%s delay=%s metrics=%s simulate=%t",
		c.Participants,
		c.Bus,
		maskBroker(c.BrokerURL),
		c.MQTTQoS,
		c.P2PListen,
		c.TopicPrefix,
		c.DifficultyMin,
		c.DifficultyMax,
		c.AnnounceInterval,
		c.ChallengeDelay,
		c.MetricsAddr,
		c.Simulate,
	)
}

func maskBroker(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// Credentials extracts the optional user/password embedded in BrokerURL.
func (c Config) Credentials() (string, string) {
	u, err := url.Parse(c.BrokerURL)
	if err != nil || u.User == nil {
		return "", ""
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}

// BrokerAddress is BrokerURL without the user info, as paho expects it.
func (c Config) BrokerAddress() string {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return c.BrokerURL
	}
	u.User = nil
	return u.String()
}
