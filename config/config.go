package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          int
	WSAddr        string // empty disables the WebSocket listener
	DBPath        string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	RingTimeout   int // seconds
	TypingTTL     int // seconds
	SendBuffer    int
	PushWebhook   string
	LogLevel      string
	LogFormat     string
	ControlSocket string
}

// Load reads MSIG_* variables over the defaults. The given env files (.env
// in the working directory when none are given) are applied first without
// overriding the real environment; missing files are ignored.
func Load(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"error":    err.Error(),
		}).Warn("Ignoring unreadable .env file")
	}

	cfg := &Config{
		Port:          3215,
		WSAddr:        ":8080",
		DBPath:        "msignal.db",
		ReadTimeout:   120,
		WriteTimeout:  30,
		RingTimeout:   40,
		TypingTTL:     8,
		SendBuffer:    64,
		LogLevel:      "info",
		LogFormat:     "text",
		ControlSocket: "/tmp/msignal.sock",
	}

	intVar("MSIG_PORT", &cfg.Port)
	intVar("MSIG_READ_TIMEOUT", &cfg.ReadTimeout)
	intVar("MSIG_WRITE_TIMEOUT", &cfg.WriteTimeout)
	intVar("MSIG_RING_TIMEOUT", &cfg.RingTimeout)
	intVar("MSIG_TYPING_TTL", &cfg.TypingTTL)
	intVar("MSIG_SEND_BUFFER", &cfg.SendBuffer)

	if addr, ok := os.LookupEnv("MSIG_WS_ADDR"); ok {
		cfg.WSAddr = addr
	}
	if dbPath := os.Getenv("MSIG_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if url := os.Getenv("MSIG_PUSH_WEBHOOK"); url != "" {
		cfg.PushWebhook = url
	}
	if level := os.Getenv("MSIG_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("MSIG_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if path := os.Getenv("MSIG_CONTROL_SOCKET"); path != "" {
		cfg.ControlSocket = path
	}

	return cfg
}

func intVar(key string, dst *int) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"key":      key,
			"value":    s,
		}).Warn("Ignoring invalid value")
		return
	}
	*dst = n
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ConfigureLogging applies the level and format to the global logger.
func (c *Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
