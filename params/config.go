// Package params holds node configuration, loaded from the environment
// with optional .env support.
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Exchange struct {
	Admin       string // vault admin address (hex)
	Treasury    string // creation fee recipient (hex)
	Settler     string // settlement identity (hex)
	CreationFee int64  // canonical scale

	// OracleWindow is the default oracle liveness window for markets
	// that do not set their own.
	OracleWindow time.Duration
}

type Node struct {
	APIAddr        string
	MetricsAddr    string
	DataDir        string
	MarketsFile    string // optional YAML seed, empty disables seeding
	LogFile        string // optional, empty logs to stdout only
	AllowedOrigins []string

	// SweepInterval paces the GTD-expiry and trading-end housekeeping
	// ticker.
	SweepInterval time.Duration
}

type Config struct {
	Exchange Exchange
	Node     Node
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			Admin:        "0x0000000000000000000000000000000000000001",
			Treasury:     "0x0000000000000000000000000000000000000002",
			Settler:      "0x0000000000000000000000000000000000000003",
			CreationFee:  0,
			OracleWindow: 10 * time.Minute,
		},
		Node: Node{
			APIAddr:        ":8080",
			MetricsAddr:    ":9090",
			DataDir:        "data",
			MarketsFile:    "",
			LogFile:        "",
			AllowedOrigins: []string{"http://localhost:3000"},
			SweepInterval:  time.Second,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Exchange.Admin = getEnv("EXCHANGE_ADMIN", cfg.Exchange.Admin)
	cfg.Exchange.Treasury = getEnv("EXCHANGE_TREASURY", cfg.Exchange.Treasury)
	cfg.Exchange.Settler = getEnv("EXCHANGE_SETTLER", cfg.Exchange.Settler)
	if fee := os.Getenv("EXCHANGE_CREATION_FEE"); fee != "" {
		if v, err := strconv.ParseInt(fee, 10, 64); err == nil {
			cfg.Exchange.CreationFee = v
		}
	}
	if win := os.Getenv("ORACLE_WINDOW_MS"); win != "" {
		if ms, err := strconv.Atoi(win); err == nil {
			cfg.Exchange.OracleWindow = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.MetricsAddr = getEnv("METRICS_ADDR", cfg.Node.MetricsAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.MarketsFile = getEnv("MARKETS_FILE", cfg.Node.MarketsFile)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Node.AllowedOrigins = strings.Split(origins, ",")
	}
	if sweep := os.Getenv("SWEEP_INTERVAL_MS"); sweep != "" {
		if ms, err := strconv.Atoi(sweep); err == nil {
			cfg.Node.SweepInterval = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
