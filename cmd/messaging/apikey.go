package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apiKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a random API key. Give the key to the client and put the hash
in api.api_key_hashes so the plain key never sits in the config file.`,
	RunE: runAPIKeyGenerate,
}

var apiKeyHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Print the bcrypt hash of an existing API key",
	Long:  `Print the bcrypt hash of an API key. Without an argument the key is read from the terminal.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAPIKeyHash,
}

func init() {
	apiKeyCmd.AddCommand(apiKeyGenerateCmd, apiKeyHashCmd)
	rootCmd.AddCommand(apiKeyCmd)
}

func generateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func hashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

func runAPIKeyGenerate(cmd *cobra.Command, args []string) error {
	key, err := generateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	hash, err := hashAPIKey(key)
	if err != nil {
		return err
	}

	fmt.Printf("API key: %s\n", key)
	fmt.Printf("Hash:    %s\n", hash)
	return nil
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = string(raw)
	}
	if key == "" {
		return fmt.Errorf("key is empty")
	}

	hash, err := hashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
