package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ScenarioPipe/internal/store"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ScenarioPipe state data
	DefaultStateDir = "/var/lib/scenariopipe"
	// DefaultAppDBFileName is the default SQLite database for sessions, records and jobs
	DefaultAppDBFileName = "scenariopipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultFlowsDirName is the flows directory inside the state directory
	DefaultFlowsDirName = "flows"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
)

// Transport names accepted by -transport.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(newLogger(flags.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ScenarioPipe", "transport", flags.Transport, "state_dir", flags.StateDir, "flows_dir", flags.FlowsDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("ScenarioPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ScenarioPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseDSN       string
	WhatsAppDSN       string
	APIAddr           string
	APIToken          string
	FlowsDir          string
	FlowConfigPath    string
	Transport         string
	PublicURL         string
	ValidateTwilio    bool
	RedisAddr         string
	InventoryURL      string
	InventoryKey      string
	AdminDestinations string
	SessionIdle       time.Duration
	LogLevel          string
}

// Flags holds the resolved settings after command line parsing.
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("SCENARIOPIPE_STATE_DIR"),
		DatabaseDSN:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:           os.Getenv("API_ADDR"),
		APIToken:          os.Getenv("API_TOKEN"),
		FlowsDir:          os.Getenv("FLOWS_DIR"),
		FlowConfigPath:    os.Getenv("FLOW_CONFIG"),
		Transport:         strings.ToLower(strings.TrimSpace(os.Getenv("TRANSPORT"))),
		PublicURL:         os.Getenv("TWILIO_PUBLIC_URL"),
		ValidateTwilio:    util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		InventoryURL:      os.Getenv("INVENTORY_API_URL"),
		InventoryKey:      os.Getenv("INVENTORY_API_KEY"),
		AdminDestinations: os.Getenv("ADMIN_DESTINATIONS"),
		SessionIdle:       util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", 0),
		LogLevel:          os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
	}

	slog.Debug("environment variables loaded",
		"SCENARIOPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"FLOWS_DIR", config.FlowsDir,
		"TRANSPORT", config.Transport,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"INVENTORY_API_URL_SET", config.InventoryURL != "",
		"SESSION_IDLE_TIMEOUT", config.SessionIdle)
	return config
}

// parseCommandLineFlags parses args with environment defaults, then derives paths left empty from
// the (possibly overridden) state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for ScenarioPipe data (overrides $SCENARIOPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseDSN, "db-dsn", config.DatabaseDSN, "application database DSN, a SQLite path, a Postgres URL or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&flags.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.FlowsDir, "flows-dir", config.FlowsDir, "directory of flow bundle files (overrides $FLOWS_DIR)")
	fs.StringVar(&flags.FlowConfigPath, "flow-config", config.FlowConfigPath, "YAML file with interpreter settings (overrides $FLOW_CONFIG)")
	fs.StringVar(&flags.Transport, "transport", config.Transport, "messaging transport: whatsapp, twilio or none (overrides $TRANSPORT)")
	fs.StringVar(&flags.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.DurationVar(&flags.SessionIdle, "session-idle-timeout", config.SessionIdle, "reset sessions idle inside a flow for this long, 0 disables (overrides $SESSION_IDLE_TIMEOUT)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&flags.NumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	switch flags.Transport {
	case TransportWhatsApp, TransportTwilio, TransportNone:
	default:
		return Flags{}, fmt.Errorf("unknown transport %q", flags.Transport)
	}
	if flags.DatabaseDSN == "" {
		flags.DatabaseDSN = filepath.Join(flags.StateDir, DefaultAppDBFileName)
	}
	if flags.WhatsAppDSN == "" {
		flags.WhatsAppDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if flags.FlowsDir == "" {
		flags.FlowsDir = filepath.Join(flags.StateDir, DefaultFlowsDirName)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DatabaseDSN != "",
		"apiAddr", flags.APIAddr,
		"flowsDir", flags.FlowsDir,
		"transport", flags.Transport,
		"qrOutput", flags.QROutput,
		"numeric", flags.NumericCode)
	return flags, nil
}

// newLogger builds the text logger. Unknown levels fall back to debug.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// ensureDirectoriesExist creates the state directory and, for file-based DSNs, the database directory.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(flags.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if flags.DatabaseDSN != MemoryDSN && store.DetectDSNType(flags.DatabaseDSN) != "postgres" {
		dir := filepath.Dir(strings.TrimPrefix(flags.DatabaseDSN, "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// adminDestinations splits the comma separated ADMIN_DESTINATIONS value.
func adminDestinations(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
