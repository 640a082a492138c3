package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/pgsentinel/pgsentinel"
)

// sessionKeys are the configuration keys forwarded from viper into each
// session's default configuration.
var sessionKeys = []string{
	"HOST", "PORT", "USER", "PASSWORD", "DATABASE", "ROLE",
	"ALLOWED_RISK_CEILING", "ACCESS_LEVEL", "ALLOWED_DATABASES",
	"BLOCKED_PATTERNS", "ALLOW_SENSITIVE_INFO",
	"MAX_SQL_LENGTH", "MAX_STATEMENT_COUNT", "MAX_RESULT_LENGTH",
	"POOL_MIN_CONNS", "POOL_MAX_CONNS",
	"CONNECT_TIMEOUT", "MAX_RETRIES", "RETRY_BACKOFF", "QUERY_TIMEOUT",
	"MASKED_COLUMNS", "TIMEOUT_RULES", "SANITIZATION_RULES", "HINT_RULES",
}

// initConfig wires viper: an optional .pgsentinel config file (yaml) in the
// current directory, overridden by PGSENTINEL_* environment variables.
func initConfig() error {
	viper.SetConfigName(".pgsentinel")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("PGSENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.port", 8600)
	viper.SetDefault("server.health_check_enabled", true)
	viper.SetDefault("server.health_check_path", "/healthz")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stderr")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// sessionDefaults collects the session configuration from viper. Keys live
// under session.* in the config file and as PGSENTINEL_SESSION_* in the
// environment.
func sessionDefaults() map[string]string {
	defaults := make(map[string]string)
	for _, key := range sessionKeys {
		if v := viper.GetString("session." + strings.ToLower(key)); v != "" {
			defaults[key] = v
		}
	}
	return defaults
}

func runServe() error {
	if err := initConfig(); err != nil {
		return err
	}
	logger := setupLogger()

	defaults := sessionDefaults()
	// Prompting is only possible when stdin is not the MCP channel.
	if viper.GetString("server.transport") != "stdio" {
		if defaults["USER"] == "" {
			defaults["USER"] = promptInput("Username: ")
		}
		if defaults["PASSWORD"] == "" {
			defaults["PASSWORD"] = promptPassword("Password: ")
		}
	}

	sentinel, err := pgsentinel.New(defaults, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	// Process exit closes every pool in the process, not just this
	// engine's sessions.
	defer pgsentinel.CloseAllInstances(logger)

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("pgsentinel", "1.0.0",
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	pgsentinel.RegisterMCPTools(mcpServer, sentinel)

	if viper.GetString("server.transport") == "stdio" {
		logger.Info().Msg("starting pgsentinel server on stdio")
		return server.ServeStdio(mcpServer)
	}

	port := viper.GetInt("server.port")
	if port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()

	// Health check endpoint (process liveness only, not DB connectivity).
	if viper.GetBool("server.health_check_enabled") {
		path := viper.GetString("server.health_check_path")
		if path == "" {
			return fmt.Errorf("server.health_check_path must be set when health_check_enabled is true")
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStreamableHTTPServer(httpSrv),
	)
	// Start() does NOT register the handler when a custom *http.Server is
	// provided via WithStreamableHTTPServer.
	mux.Handle("/mcp", streamableServer)

	logger.Info().Int("port", port).Msg("starting pgsentinel server")
	return streamableServer.Start(addr)
}

func setupLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(viper.GetString("logging.level")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	switch out := viper.GetString("logging.output"); out {
	case "", "stderr":
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if viper.GetString("logging.format") == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(password)
}
