// Package cli implements socialctl, the offline toolbox for identities,
// keystores, signatures and recovery shares.
package cli

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const secretEnv = "SOCIAL_SECRET"

var errSecretRequired = errors.New("secret key is required (--secret or " + secretEnv + ")")

// NewRootCommand builds the socialctl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "socialctl",
		Short:         "Identity, signature and recovery share tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newKeygenCmd(),
		newLegacyIDCmd(),
		newSignCmd(),
		newVerifyCmd(),
		newSharesCmd(),
		newKeystoreCmd(),
	)
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}

func resolveSecret(flagValue string) (string, error) {
	secret := strings.TrimSpace(flagValue)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv(secretEnv))
	}
	if secret == "" {
		return "", errSecretRequired
	}
	return secret, nil
}
