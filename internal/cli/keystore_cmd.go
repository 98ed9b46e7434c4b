package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"socialmesh/go-node/internal/identity"

	"github.com/spf13/cobra"
)

const (
	passphraseEnv    = "SOCIAL_KEYSTORE_PASSPHRASE"
	newPassphraseEnv = "SOCIAL_KEYSTORE_NEW_PASSPHRASE"
)

var errNewPassphraseRequired = errors.New("new passphrase is required (--new-passphrase or " + newPassphraseEnv + ")")

func newKeystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Inspect or re-seal a node keystore file",
	}
	cmd.AddCommand(newKeystoreShowCmd(), newKeystorePasswdCmd())
	return cmd
}

type keystoreFlags struct {
	path       string
	passphrase string
}

func (f *keystoreFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "path", "", "keystore file")
	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "current passphrase (defaults to $"+passphraseEnv+")")
	_ = cmd.MarkFlagRequired("path")
}

// open loads an existing keystore; it never creates one.
func (f *keystoreFlags) open() (*identity.Manager, identity.Keypair, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, identity.Keypair{}, err
	}
	m := identity.NewManager(f.path, envOr(f.passphrase, passphraseEnv))
	kp, _, err := m.LoadOrCreate()
	if err != nil {
		return nil, identity.Keypair{}, err
	}
	return m, kp, nil
}

func newKeystoreShowCmd() *cobra.Command {
	var flags keystoreFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the identity stored in a keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, kp, err := flags.open()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "did:        %s\n", kp.DID)
			fmt.Fprintf(out, "peer id:    %s\n", kp.LegacyPeerID())
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newKeystorePasswdCmd() *cobra.Command {
	var (
		flags         keystoreFlags
		newPassphrase string
	)
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Re-seal a keystore under a new passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			next := envOr(newPassphrase, newPassphraseEnv)
			if strings.TrimSpace(next) == "" {
				return errNewPassphraseRequired
			}
			m, kp, err := flags.open()
			if err != nil {
				return err
			}
			if err := m.ChangePassphrase(next); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-sealed keystore for %s\n", kp.DID)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&newPassphrase, "new-passphrase", "", "new passphrase (defaults to $"+newPassphraseEnv+")")
	return cmd
}

func envOr(flagValue, env string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(env)
}
