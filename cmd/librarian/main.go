package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"librarian-go/internal/app"
	"librarian-go/internal/config"
	"librarian-go/internal/database"
	"librarian-go/internal/model"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and peer list and creates a wired App. The
// caller must defer app.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	peers, err := config.ReadPeersFromFile(defaults["peers_path"])
	if err != nil {
		return nil, fmt.Errorf("reading peers: %w", err)
	}

	a, err := app.NewApp(cfg, peers)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "librarian",
	Short: "Storage federation replication daemon",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("determining hostname: %w", err)
			}
			name = hostname
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(name, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Librarian: %s\n", name)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Librarian: %s\n", cfg.Name)
		fmt.Printf("URL:       %s\n", cfg.URL)
		fmt.Printf("Port:      %d\n", cfg.Port)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Stores:    %d configured\n", len(cfg.Stores))
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Name)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		sqlite, ok := db.(*database.SQLiteDatabase)
		if !ok {
			return fmt.Errorf("database type %s does not use migrations", cfg.Database.Type)
		}
		if err := sqlite.MigrateUp(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}

		fmt.Println("Database schema is up to date.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the librarian daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// run-once command
var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run every enabled background task a single time and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.RunOnce(ctx)
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create an API account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		levelName, _ := cmd.Flags().GetString("level")
		level, err := parseAuthLevel(levelName)
		if err != nil {
			return err
		}

		hash, err := promptPasswordHash()
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Service().Database().CreateUser(&model.User{
			Username:     args[0],
			AuthLevel:    level,
			PasswordHash: hash,
		})
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		fmt.Printf("Created %s account %q\n", levelName, args[0])
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd USERNAME",
	Short: "Change an account password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := promptPasswordHash()
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		db := a.Service().Database()
		user, err := db.FindUserByName(args[0])
		if err != nil {
			return fmt.Errorf("looking up user: %w", err)
		}
		if user == nil {
			return fmt.Errorf("no account named %q", args[0])
		}

		if err := db.SetUserPassword(args[0], hash); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}

		fmt.Printf("Password updated for %q\n", args[0])
		return nil
	},
}

func parseAuthLevel(name string) (model.AuthLevel, error) {
	switch name {
	case "readonly":
		return model.AuthReadonly, nil
	case "callback":
		return model.AuthCallback, nil
	case "admin":
		return model.AuthAdmin, nil
	default:
		return 0, fmt.Errorf("unknown auth level %q (want readonly, callback, or admin)", name)
	}
}

// promptPasswordHash reads a password twice from the terminal without
// echo and returns its bcrypt hash.
func promptPasswordHash() (string, error) {
	fmt.Print("Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(first, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("name", "", "Librarian name (defaults to the hostname)")
	configCmd.AddCommand(configListCmd)

	// user subcommands
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().String("level", "readonly", "Auth level: readonly, callback, or admin")
	userCmd.AddCommand(userPasswdCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(userCmd)
}
