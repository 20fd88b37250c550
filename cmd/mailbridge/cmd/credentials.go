package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/vault"
)

var (
	credUserID   string
	credMailUser string
	credNoVerify bool
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored webmail credentials",
	Long:  `Commands for saving, inspecting and purging a host user's encrypted webmail credentials.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Encrypt and store a user's webmail credentials",
	Long: `Prompts for the host passphrase and the webmail password, stores the
credential encrypted under the user's key pair and, unless --no-verify is
given, checks it with a webmail login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			p := newPrompter(cmd)
			passphrase, err := p.secret("Host passphrase")
			if err != nil {
				return err
			}
			mailUser := credMailUser
			if mailUser == "" {
				if mailUser, err = p.text("Webmail username"); err != nil {
					return err
				}
			}
			mailPassword, err := p.confirmedSecret("Webmail password")
			if err != nil {
				return err
			}

			sess := session.NewMemoryStore()
			out := cmd.OutOrStdout()
			if credNoVerify {
				if err := svc.Vault().Unlock(ctx, sess, credUserID, passphrase); err != nil {
					return err
				}
				if err := svc.Vault().SaveCredential(ctx, credUserID, passphrase, mailUser, mailPassword); err != nil {
					return err
				}
				fmt.Fprintf(out, "Stored webmail credentials for %s\n", credUserID)
				return nil
			}

			target := cfg.Webmail.Target()
			err = svc.SaveSettings(ctx, sess, credUserID, passphrase, mailUser, mailPassword, target)
			defer svc.HostLogout(ctx, sess, target)
			switch {
			case err == nil:
				fmt.Fprintf(out, "Stored webmail credentials for %s; webmail login succeeded\n", credUserID)
				return nil
			case errors.Is(err, bridge.ErrLoginFailed):
				code := bridge.Classify(err, cfg.Webmail.AutoLogin)
				fmt.Fprintf(out, "Stored webmail credentials for %s; webmail login failed (%s)\n", credUserID, code)
				return nil
			default:
				return err
			}
		})
	},
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show which webmail account is stored for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			passphrase, err := newPrompter(cmd).secret("Host passphrase")
			if err != nil {
				return err
			}
			creds, err := svc.Vault().ResolveCredential(ctx, session.NewMemoryStore(), credUserID, passphrase)
			if errors.Is(err, vault.ErrNoCredentials) {
				fmt.Fprintf(cmd.OutOrStdout(), "No webmail credentials stored for %s\n", credUserID)
				return nil
			}
			if err != nil {
				return err
			}
			printCredential(cmd.OutOrStdout(), credUserID, creds)
			return nil
		})
	},
}

var credentialsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a user's key pair and stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			if err := svc.Vault().Purge(ctx, credUserID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", credUserID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsShowCmd, credentialsPurgeCmd)

	credentialsCmd.PersistentFlags().StringVarP(&credUserID, "user", "u", "", "Host user id")
	credentialsCmd.MarkPersistentFlagRequired("user") //nolint:errcheck
	credentialsSetCmd.Flags().StringVar(&credMailUser, "mail-user", "", "Webmail username (prompted when empty)")
	credentialsSetCmd.Flags().BoolVar(&credNoVerify, "no-verify", false, "Store without trying a webmail login")
}

// printCredential never prints the password.
func printCredential(w io.Writer, userID string, creds vault.MailCredentials) {
	fmt.Fprintf(w, "User:          %s\n", userID)
	fmt.Fprintf(w, "Webmail user:  %s\n", creds.User)
	fmt.Fprintf(w, "Password:      (stored, %d characters)\n", len(creds.Password))
}

// withService opens storage and builds the bridge service for one command.
func withService(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, svc *bridge.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	v, err := newVault(cfg, repo, logger)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, bridge.NewService(newBridge(&cfg, logger), v))
}
