// Command onboard runs the conversational onboarding gate service.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/mlground/onboard/internal/api"
	"github.com/mlground/onboard/internal/delivery"
	"github.com/mlground/onboard/internal/genai"
	"github.com/mlground/onboard/internal/otp"
	"github.com/mlground/onboard/internal/security"
	"github.com/mlground/onboard/internal/store"
	"github.com/mlground/onboard/internal/toolgate"
	"github.com/mlground/onboard/internal/util"
	"github.com/mlground/onboard/internal/validators"
	"github.com/mlground/onboard/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for onboarding state data
	DefaultStateDir = "/var/lib/onboard"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "onboard.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	engine, issuer, err := buildEngine(flags, st)
	if err != nil {
		slog.Error("Failed to initialize workflow engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(engine, buildAPIOptions(flags, issuer)...)
	slog.Info("Bootstrapping onboarding service", "addr", *flags.apiAddr)
	if err := server.Run(); err != nil {
		slog.Error("Onboarding service failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Onboarding service exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	OTPKey          string
	OTPTTL          time.Duration
	OTPMaxAttempts  int
	TokenSecret     string
	SendGridKey     string
	SendGridFrom    string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	DisableDelivery bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	openaiKey       *string
	apiAddr         *string
	otpKey          *string
	tokenSecret     *string
	sendgridKey     *string
	sendgridFrom    *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	otpTTL          time.Duration
	otpAttempts     int
	disableDelivery bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("ONBOARD_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		OTPKey:          os.Getenv("OTP_HASH_KEY"),
		OTPTTL:          util.ParseDurationEnv("OTP_TTL", otp.DefaultTTL),
		OTPMaxAttempts:  util.ParseIntEnv("OTP_MAX_ATTEMPTS", otp.DefaultMaxAttempts),
		TokenSecret:     os.Getenv("SESSION_TOKEN_SECRET"),
		SendGridKey:     os.Getenv("SENDGRID_API_KEY"),
		SendGridFrom:    os.Getenv("SENDGRID_FROM_EMAIL"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		DisableDelivery: util.ParseBoolEnv("DISABLE_DELIVERY", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ONBOARD_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ONBOARD_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OTP_HASH_KEY_SET", config.OTPKey != "",
		"SESSION_TOKEN_SECRET_SET", config.TokenSecret != "",
		"SENDGRID_API_KEY_SET", config.SendGridKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for onboarding data (overrides $ONBOARD_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		otpKey:          flag.String("otp-hash-key", config.OTPKey, "keyed-hash secret for OTP records (overrides $OTP_HASH_KEY)"),
		tokenSecret:     flag.String("token-secret", config.TokenSecret, "session token signing secret (overrides $SESSION_TOKEN_SECRET)"),
		sendgridKey:     flag.String("sendgrid-api-key", config.SendGridKey, "SendGrid API key for OTP email (overrides $SENDGRID_API_KEY)"),
		sendgridFrom:    flag.String("sendgrid-from", config.SendGridFrom, "sender address for OTP email (overrides $SENDGRID_FROM_EMAIL)"),
		twilioSID:       flag.String("twilio-sid", config.TwilioSID, "Twilio account SID for OTP SMS (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     flag.String("twilio-token", config.TwilioToken, "Twilio auth token for OTP SMS (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      flag.String("twilio-from", config.TwilioFrom, "Twilio sending number for OTP SMS (overrides $TWILIO_FROM_NUMBER)"),
		otpTTL:          config.OTPTTL,
		otpAttempts:     config.OTPMaxAttempts,
		disableDelivery: config.DisableDelivery,
	}

	flag.Parse()

	// Follow the state directory when the DSN was only defaulted from it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// buildStore selects the storage backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildEngine wires the workflow engine with its collaborators, degrading to
// local fallbacks (rule-based name parsing, template responses, log-only
// delivery) when provider credentials are absent.
func buildEngine(flags Flags, st store.Store) (*workflow.Engine, *security.TokenIssuer, error) {
	otpKey := *flags.otpKey
	if otpKey == "" {
		// A generated key still hashes correctly; codes just do not survive a
		// process restart. Acceptable for development, logged for operators.
		otpKey = util.GenerateRandomHex(32)
		slog.Warn("OTP_HASH_KEY not set, using an ephemeral key")
	}
	otpEngine, err := otp.NewEngine(otpKey, otp.WithTTL(flags.otpTTL), otp.WithMaxAttempts(flags.otpAttempts))
	if err != nil {
		return nil, nil, err
	}

	var parser validators.NameParser
	var renderer workflow.Renderer
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return nil, nil, err
		}
		parser = client
		renderer = client
		slog.Info("GenAI name parsing and response rendering enabled")
	} else {
		parser = &validators.RuleBasedNameParser{}
		renderer = genai.NewTemplateRenderer()
		slog.Info("No OpenAI API key, using rule-based parsing and template responses")
	}

	sender := buildSender(flags)

	engineOpts := []workflow.Option{workflow.WithToolRegistry(toolgate.NewRegistry())}
	var issuer *security.TokenIssuer
	if *flags.tokenSecret != "" {
		issuer, err = security.NewTokenIssuer(*flags.tokenSecret)
		if err != nil {
			return nil, nil, err
		}
		engineOpts = append(engineOpts, workflow.WithTokenIssuer(issuer))
	} else {
		slog.Warn("SESSION_TOKEN_SECRET not set, session tokens disabled")
	}

	return workflow.NewEngine(st, otpEngine, sender, renderer, parser, engineOpts...), issuer, nil
}

// buildSender picks the delivery provider: SendGrid email first, Twilio SMS
// next, log-only last.
func buildSender(flags Flags) delivery.Sender {
	if flags.disableDelivery {
		slog.Info("Delivery disabled by configuration, OTP delivery is log-only")
		return delivery.NewLogSender()
	}
	if *flags.sendgridKey != "" && *flags.sendgridFrom != "" {
		sender, err := delivery.NewSendGridSender(
			delivery.WithAPIKey(*flags.sendgridKey),
			delivery.WithFromEmail(*flags.sendgridFrom),
		)
		if err == nil {
			slog.Info("OTP delivery via SendGrid email")
			return sender
		}
		slog.Error("Failed to configure SendGrid sender", "error", err)
	}
	if *flags.twilioSID != "" && *flags.twilioToken != "" && *flags.twilioFrom != "" {
		sender, err := delivery.NewTwilioSender(
			delivery.WithAccountSID(*flags.twilioSID),
			delivery.WithAuthToken(*flags.twilioToken),
			delivery.WithFromPhone(*flags.twilioFrom),
		)
		if err == nil {
			slog.Info("OTP delivery via Twilio SMS")
			return sender
		}
		slog.Error("Failed to configure Twilio sender", "error", err)
	}
	slog.Warn("No delivery provider configured, OTP delivery is log-only")
	return delivery.NewLogSender()
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, issuer *security.TokenIssuer) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if issuer != nil {
		apiOpts = append(apiOpts, api.WithTokenIssuer(issuer))
	}
	return apiOpts
}
