package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/weavesync/internal/client"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check credentials and unlock the account keys",
	Long: `Login finds the account's storage node, fetches the key records and
unlocks the private key with the passphrase. Nothing is written locally.`,
	Example: `  weavesync login
  WEAVESYNC_ACCOUNT_PASSPHRASE=... weavesync login --json`,
	RunE: runLogin,
}

var loginPassphrase string

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&loginPassphrase, "passphrase", "p", "",
		"Account passphrase (will prompt if not configured)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := login(cmd, loginPassphrase); err != nil {
		return err
	}

	cluster, _ := apiClient.EnsureCluster(ctx)
	stats := apiClient.Keyring().Stats()
	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"username": cfg.Account.Username,
			"cluster":  cluster,
			"keyring":  stats,
		})
		return nil
	}

	printSuccess("Unlocked keys for %s", cfg.Account.Username)
	fmt.Printf("   Storage node: %s\n", cluster)
	return nil
}

// login unlocks the keyring, prompting for whatever is not configured.
func login(cmd *cobra.Command, passphrase string) error {
	if cfg.Account.Username == "" {
		return fmt.Errorf("account.username is not configured")
	}
	if cfg.Account.Password == "" {
		password, err := promptSecret(fmt.Sprintf("Password for %s: ", cfg.Account.Username))
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg.Account.Password = password
		// The remote client was built before the prompt.
		_ = apiClient.Close()
		if apiClient, err = client.New(cmd.Context(), cfg, logger); err != nil {
			return err
		}
	}

	if passphrase == "" {
		passphrase = cfg.Account.Passphrase
	}
	if passphrase == "" {
		var err error
		if passphrase, err = promptSecret("Passphrase: "); err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
	}

	progress := NewProgressDisplay("Finding storage node...")
	defer progress.Close()

	return apiClient.Login(cmd.Context(), passphrase, func(stage string) {
		switch stage {
		case client.StageCluster:
			progress.SetPhase("Fetching public key...")
		case client.StagePublicKey:
			progress.SetPhase("Fetching private key...")
		case client.StagePrivateKey:
			progress.SetPhase("Deriving key from passphrase...")
		case client.StageUnlocked:
			progress.SetPhase("Unlocked")
		}
	})
}

func promptSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal to prompt on; configure it instead")
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
