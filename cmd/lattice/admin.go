package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/lattice-hq/lattice/internal/adapter/postgres"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/secrets"
)

// runAdmin dispatches admin subcommands (gen-seal-key, seal-secret,
// list-connectors).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "gen-seal-key":
		return runAdminGenSealKey(args[1:])
	case "seal-secret":
		return runAdminSealSecret(args[1:])
	case "list-connectors":
		return runAdminListConnectors(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: lattice admin <command> [options]

Commands:
  gen-seal-key      Generate a new token seal key
  seal-secret       Seal a secret with the configured seal key
  list-connectors   List all connectors
  help              Show this help message

Examples:
  lattice admin gen-seal-key
  lattice admin seal-secret
  lattice admin list-connectors
`)
}

// runAdminGenSealKey prints a fresh hex seal key for LATTICE_OAUTH_SEAL_KEY.
func runAdminGenSealKey(args []string) error {
	fs := flag.NewFlagSet("gen-seal-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Export this as LATTICE_OAUTH_SEAL_KEY. Rotating the key invalidates all stored tokens.")
	return nil
}

// runAdminSealSecret reads a secret from the terminal without echoing and
// prints the sealed value base64-encoded, for storing in config files or
// external systems.
func runAdminSealSecret(args []string) error {
	fs := flag.NewFlagSet("seal-secret", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.OAuth.SealKey == "" {
		return fmt.Errorf("no seal key configured; run `lattice admin gen-seal-key` first")
	}
	sealer, err := secrets.NewSealer(cfg.OAuth.SealKey)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	secret, err := promptSecret("Secret: ")
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	confirm, err := promptSecret("Confirm secret: ")
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	if secret != confirm {
		return fmt.Errorf("secrets do not match")
	}

	sealed, err := sealer.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	fmt.Println(base64.StdEncoding.EncodeToString(sealed))
	return nil
}

func runAdminListConnectors(args []string) error {
	fs := flag.NewFlagSet("list-connectors", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	connectors, err := store.ListConnectors(ctx)
	if err != nil {
		return fmt.Errorf("list connectors: %w", err)
	}

	if len(connectors) == 0 {
		fmt.Println("No connectors found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSOURCE\tSTATUS\tOAUTH\tCREATED")
	for i := range connectors {
		c := &connectors[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, c.SourceType, c.Status, c.OAuthProvider, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// promptSecret reads a line from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
