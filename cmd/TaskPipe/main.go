package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/DataWeave/TaskPipe/internal/api"
	"github.com/DataWeave/TaskPipe/internal/conversation"
	"github.com/DataWeave/TaskPipe/internal/failure"
	"github.com/DataWeave/TaskPipe/internal/genai"
	"github.com/DataWeave/TaskPipe/internal/lockfile"
	"github.com/DataWeave/TaskPipe/internal/recovery"
	"github.com/DataWeave/TaskPipe/internal/router"
	"github.com/DataWeave/TaskPipe/internal/sandbox"
	"github.com/DataWeave/TaskPipe/internal/sqlexec"
	"github.com/DataWeave/TaskPipe/internal/store"
	"github.com/DataWeave/TaskPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TaskPipe state data
	DefaultStateDir = "/var/lib/taskpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "taskpipe.db"
	// DefaultDatasourceFileName is the default datasource config filename
	DefaultDatasourceFileName = "datasource.yaml"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping TaskPipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("TaskPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TaskPipe exited successfully")
}

// run wires the modules together and serves until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	dsConfig, err := sqlexec.LoadDatasourceConfig(*flags.datasource)
	if err != nil {
		return err
	}
	executor, err := sqlexec.NewDBExecutor(dsConfig.Driver, dsConfig.DSN, dsConfig.TableNames())
	if err != nil {
		return err
	}
	defer executor.Close()

	interpreter := sandbox.New(executor)
	dispatcher := router.New(client, interpreter, st, dsConfig.Summary())
	responder := failure.NewResponder(client, st, failure.DefaultHistoryWindow)
	svc := conversation.NewService(st, client, dispatcher, responder)

	sweeper := recovery.NewSweeper(st, util.ParseDurationEnv("TASKPIPE_SWEEP_INTERVAL", recovery.DefaultSweepInterval))
	go sweeper.Run(ctx)

	server := api.NewServer(svc, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
	Datasource  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	openaiKey  *string
	model      *string
	apiAddr    *string
	datasource *string
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("TASKPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		Datasource:  os.Getenv("TASKPIPE_DATASOURCE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TASKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.Datasource == "" {
		config.Datasource = filepath.Join(config.StateDir, DefaultDatasourceFileName)
		slog.Debug("No datasource config provided, using default", "datasource_path", config.Datasource)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TASKPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"TASKPIPE_DATASOURCE", config.Datasource)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for TaskPipe data (overrides $TASKPIPE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN for the consensus store (overrides $DATABASE_URL)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:      flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		datasource: flag.String("datasource", config.Datasource, "datasource YAML config path (overrides $TASKPIPE_DATASOURCE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"model", *flags.model,
		"apiAddr", *flags.apiAddr,
		"datasource", *flags.datasource)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	if *flags.datasource == config.Datasource && config.Datasource == filepath.Join(config.StateDir, DefaultDatasourceFileName) && *flags.stateDir != config.StateDir {
		*flags.datasource = filepath.Join(*flags.stateDir, DefaultDatasourceFileName)
		slog.Debug("Updated datasource path based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects and opens the consensus store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	ttlOpts := []store.Option{
		store.WithConsensusTTL(util.ParseDurationEnv("TASKPIPE_CONSENSUS_TTL", store.DefaultConsensusTTL)),
		store.WithHistoryTTL(util.ParseDurationEnv("TASKPIPE_HISTORY_TTL", store.DefaultHistoryTTL)),
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(append(ttlOpts, store.WithPostgresDSN(*flags.dbDSN))...)
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(append(ttlOpts, store.WithSQLiteDSN(*flags.dbDSN))...)
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	if d := util.ParseDurationEnv("TASKPIPE_AI_TIMEOUT", 0); d > 0 {
		genaiOpts = append(genaiOpts, genai.WithRequestTimeout(d))
	}
	if n := util.ParseIntEnv("TASKPIPE_MAX_TOKENS", 0); n > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxTokens(n))
	}
	if util.ParseBoolEnv("TASKPIPE_THINKING_MODEL", false) {
		genaiOpts = append(genaiOpts, genai.WithThinkingModel())
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if d := util.ParseDurationEnv("TASKPIPE_TURN_TIMEOUT", 0); d > 0 {
		apiOpts = append(apiOpts, api.WithTurnTimeout(d))
	}
	return apiOpts
}
