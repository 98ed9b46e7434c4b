package cli

import (
	"errors"
	"fmt"

	"socialmesh/go-node/internal/identity"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var withMnemonic bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new did:key identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := identity.NewManager("", "")
			kp, _, err := m.LoadOrCreate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "did:        %s\n", kp.DID)
			fmt.Fprintf(out, "public:     %s\n", kp.PublicMultibase)
			fmt.Fprintf(out, "peer id:    %s\n", kp.LegacyPeerID())
			fmt.Fprintf(out, "secret:     %s\n", kp.SecretHex())
			if withMnemonic {
				phrase, err := m.ExportMnemonic()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "mnemonic:   %s\n", phrase)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withMnemonic, "mnemonic", false, "also print the secret as a BIP-39 phrase")
	return cmd
}

func newLegacyIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "legacy-id <did>",
		Short: "Print the legacy peer id of a did:key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := identity.DIDToLegacyPeerID(args[0])
			if id == "" {
				return identity.ErrInvalidDID
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newSignCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign <message>",
		Short: "Sign a message with an Ed25519 secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			sig, err := identity.Sign([]byte(args[0]), key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "hex secret key (defaults to $"+secretEnv+")")
	return cmd
}

var errBadSignature = errors.New("signature does not verify")

func newVerifyCmd() *cobra.Command {
	var did, signature string
	cmd := &cobra.Command{
		Use:   "verify <message>",
		Short: "Verify a base64 signature against a did:key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.Verify([]byte(args[0]), signature, did) {
				return errBadSignature
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&did, "did", "", "signer did:key")
	cmd.Flags().StringVar(&signature, "signature", "", "base64 signature")
	_ = cmd.MarkFlagRequired("did")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}
