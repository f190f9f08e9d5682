package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coinwifi/gateway/auth"
	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/errors"
)

// AdminCmd groups operator account management subcommands.
var AdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage operator accounts",
}

var createAccountCmd = &cobra.Command{
	Use:   "create-account",
	Short: "Create the operator account used to sign into the dashboard (an existing account is left unchanged)",
	RunE:  runCreateAccount,
}

var createAccountUsername string

func init() {
	createAccountCmd.Flags().StringVar(&createAccountUsername, "username", "admin", "operator username")
	AdminCmd.AddCommand(createAccountCmd)
}

func runCreateAccount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	password, err := readPassword("Operator password: ")
	if err != nil {
		return err
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return errors.Wrap(err, "failed to hash password")
	}

	store := auth.NewStore(conn)
	if err := store.EnsureAdmin(context.Background(), createAccountUsername, hash); err != nil {
		return errors.Wrap(err, "failed to create operator account")
	}

	fmt.Printf("operator account %q ready\n", createAccountUsername)
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}
	return strings.TrimSpace(line), nil
}
