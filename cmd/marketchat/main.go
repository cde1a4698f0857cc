// ABOUTME: Entry point for the marketchat server binary
// ABOUTME: Dispatches serve, init, health and the user/product/token admin commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/marketchat/internal/config"
	"github.com/2389/marketchat/internal/gateway"
)

var version = "dev"

const banner = `
                       _        _       _           _
 _ __ ___   __ _ _ __| | _____| |_ ___| |__   __ _| |_
| '_ ' _ \ / _' | '__| |/ / _ \ __/ __| '_ \ / _' | __|
| | | | | | (_| | |  |   <  __/ || (__| | | | (_| | |_
|_| |_| |_|\__,_|_|  |_|\_\___|\__\___|_| |_|\__,_|\__|
`

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: marketchat <command> [--config PATH] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                   Start the marketchat server")
	fmt.Fprintln(w, "  init                                    Create a new config file interactively")
	fmt.Fprintln(w, "  health                                  Check server health")
	fmt.Fprintln(w, "  user add --id ID --username NAME        Create or update a user")
	fmt.Fprintln(w, "       [--role buyer|seller|admin] [--discord-username U] [--discord-avatar URL] [--discord-id ID]")
	fmt.Fprintln(w, "  user list [--limit N]                   List users")
	fmt.Fprintln(w, "  product add --id ID --seller ID --name NAME --price 12.50")
	fmt.Fprintln(w, "  product list [--seller ID]              List products")
	fmt.Fprintln(w, "  token --user ID [--ttl 168h]            Mint a session token for a user")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  MARKETCHAT_CONFIG    Config file path (default: ./marketchat.yaml)")
	fmt.Fprintln(w, "  MARKETCHAT_DB_PATH   Overrides database.path")
	fmt.Fprintln(w, "  DATABASE_URL         Overrides database.dsn")
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, args)
	case "user", "users":
		err = runUser(ctx, args, os.Stdout)
	case "product", "products":
		err = runProduct(ctx, args, os.Stdout)
	case "token":
		err = runToken(ctx, args, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// loadConfig resolves and loads the config file named by --config, MARKETCHAT_CONFIG,
// or the working directory default.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, _, err := parseFlags(args, "config")
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flags["config"])
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", describeDatabase(cfg.Database))
	green.Print("    ▶ ")
	if cfg.Cache.RedisURL != "" {
		fmt.Println("Cache:     redis")
	} else {
		fmt.Printf("Cache:     memory (%d entries)\n", cfg.Cache.MaxEntries)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	fmt.Println()

	logger.Info("starting marketchat",
		"config", configPath,
		"driver", cfg.Database.Driver,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// describeDatabase returns a printable description of the store without credentials.
func describeDatabase(db config.DatabaseConfig) string {
	if db.Driver == config.DriverPostgres {
		return "postgres"
	}
	driver := db.Driver
	if driver == "" {
		driver = config.DriverSQLite
	}
	return fmt.Sprintf("%s (%s)", driver, db.Path)
}

func runHealth(ctx context.Context, args []string) error {
	flags, _, err := parseFlags(args, "config", "addr")
	if err != nil {
		return err
	}

	addr := flags["addr"]
	if addr == "" {
		cfg, _, err := loadConfig(flags["config"])
		if err != nil {
			return err
		}
		addr = cfg.Server.HTTPAddr
	}

	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "marketchat configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.ResolvePath(""))

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	driver := prompt(reader, out, "Driver (sqlite/sqlite3/postgres)", config.DriverSQLite)
	var dbPath, dsn string
	if driver == config.DriverPostgres {
		dsn = prompt(reader, out, "Postgres DSN (leave empty to use DATABASE_URL)", "")
	} else {
		dbPath = prompt(reader, out, "SQLite database path", config.DefaultDBPath)
	}

	fmt.Fprintln(out, "\n--- Cache Configuration ---")
	redisURL := prompt(reader, out, "Redis URL (leave empty for in-memory)", "")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, out, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "marketchat")
		tsAuthKey = prompt(reader, out, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, out, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
		if !tsFunnel {
			tsHTTPS = isYes(prompt(reader, out, "Serve HTTPS inside the tailnet?", "no"))
		}
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# marketchat configuration\n")
	cfg.WriteString("# Generated by marketchat init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	}
	if dsn != "" {
		cfg.WriteString(fmt.Sprintf("  dsn: %q\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_ttl: \"168h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	if redisURL != "" {
		cfg.WriteString(fmt.Sprintf("  redis_url: %q\n", redisURL))
	}
	cfg.WriteString("  ttl: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString(fmt.Sprintf("  max_message_length: %d\n", config.DefaultMaxMessageLength))
	cfg.WriteString(fmt.Sprintf("  history_limit: %d\n", config.DefaultHistoryLimit))
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("  poll_interval: \"3s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	// Contains the JWT secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  marketchat user add --id alice --username alice --role buyer")
	fmt.Fprintln(out, "  marketchat token --user alice")
	fmt.Fprintln(out, "  marketchat serve")

	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// EOF without input keeps the default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
