package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/isolab/internal/config"
	"github.com/jkaninda/isolab/internal/credential"
	goutils "github.com/jkaninda/go-utils"
)

const minPasswordLen = 8

var (
	setupConfigPath string
	setupForce      bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the operator credential",
	Long: `Interactively create the operator credential the server requires.
The password is hashed with argon2id; nothing secret is stored in plain text.
Also writes a starter config file if none exists.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing credential")
}

func runSetup(_ *cobra.Command, _ []string) error {
	configPath := goutils.Env("ISOLAB_CONFIG", setupConfigPath)
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	credPath := cfg.ResolvedCredentialPath()
	if credential.Exists(credPath) && !setupForce {
		return fmt.Errorf("credential already exists at %s (use --force to replace it)", credPath)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Isolab Setup")
	fmt.Println("============")
	fmt.Println()

	username := prompt(scanner, "Operator username", "admin")

	password, err := promptPassword()
	if err != nil {
		return err
	}

	if err := credential.Save(credPath, username, password); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	fmt.Printf("Credential written to %s\n", credPath)

	// Offer a starter config so the data dir and listen address are
	// discoverable without reading docs.
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
		if promptYesNo(scanner, fmt.Sprintf("Write a starter config to %s?", configPath), true) {
			if err := writeStarterConfig(cfg, configPath); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", configPath)
		}
	}

	fmt.Println("\nStart the server with: isolab serve")
	return nil
}

// promptPassword reads the password twice without echo. Falls back to a
// plain line read when stdin is not a terminal (piped input, tests).
func promptPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return nil, errors.New("no password on stdin")
		}
		pw := []byte(scanner.Text())
		if len(pw) < minPasswordLen {
			return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
		}
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(first) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password confirmation: %w", err)
	}

	if string(first) != string(second) {
		return nil, errors.New("passwords do not match")
	}
	return first, nil
}

// writeStarterConfig marshals the effective config so defaults become
// visible and editable.
func writeStarterConfig(cfg *config.Config, outputPath string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// prompt asks the user for input with a default value.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if !scanner.Scan() {
		return defaultVal
	}
	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}

// promptYesNo asks a yes/no question.
func promptYesNo(scanner *bufio.Scanner, question string, defaultYes bool) bool {
	suffix := "[Y/n]"
	if !defaultYes {
		suffix = "[y/N]"
	}
	fmt.Printf("%s %s: ", question, suffix)
	if !scanner.Scan() {
		return defaultYes
	}
	answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}
