package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/session"
)

var keysUserID string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Provision, inspect and rotate user key pairs",
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user's public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			pub, err := svc.Vault().Keys().PublicKey(ctx, keysUserID)
			if err != nil {
				return err
			}
			pem, err := pub.PEM()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s, RSA %d\n%s", keysUserID, pub.Bits(), pem)
			return nil
		})
	},
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a user's key pair",
	Long: `Generates the key pair a user needs before their first browser login,
sealed with the user's host passphrase.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			exists, err := svc.Vault().HasKeyPair(ctx, keysUserID)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%s already has a key pair; use keys rotate to replace it", keysUserID)
			}
			passphrase, err := newPrompter(cmd).confirmedSecret("Passphrase")
			if err != nil {
				return err
			}
			if passphrase == "" {
				return errors.New("passphrase must not be empty")
			}
			if err := svc.Vault().EnsureUserRegistered(ctx, keysUserID); err != nil {
				return err
			}
			kp, err := svc.Vault().Keys().GenerateKeyPair(ctx, keysUserID, passphrase)
			if err != nil {
				return err
			}
			kp.Private.Destroy()
			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned key pair for %s\n", keysUserID)
			return nil
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace a user's key pair",
	Long: `Generates a new key pair sealed with the given passphrase. Credentials
stored under the old key can no longer be decrypted and must be saved again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, cfg config.Config, svc *bridge.Service) error {
			p := newPrompter(cmd)
			current, err := p.secret("Current passphrase")
			if err != nil {
				return err
			}
			if err := svc.Vault().Unlock(ctx, session.NewMemoryStore(), keysUserID, current); err != nil {
				return err
			}
			next, err := p.confirmedSecret("New passphrase")
			if err != nil {
				return err
			}
			if err := svc.Vault().RotateKeyPair(ctx, keysUserID, next); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated key pair for %s; stored webmail credentials must be saved again\n", keysUserID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysInitCmd, keysShowCmd, keysRotateCmd)
	keysCmd.PersistentFlags().StringVarP(&keysUserID, "user", "u", "", "Host user id")
	keysCmd.MarkPersistentFlagRequired("user") //nolint:errcheck
}
