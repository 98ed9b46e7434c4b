package cli

import (
	"errors"
	"fmt"

	"socialmesh/go-node/internal/recovery/shamir"

	"github.com/spf13/cobra"
)

var errCombineFailed = errors.New("shares do not reconstruct a secret")

func newSharesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "Split and combine recovery shares",
	}
	cmd.AddCommand(newSplitCmd(), newCombineCmd())
	return cmd
}

func newSplitCmd() *cobra.Command {
	var (
		secret    string
		threshold int
		total     int
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split a secret into threshold shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			shares, checksum, err := shamir.SplitVerified(key, threshold, total)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range shares {
				fmt.Fprintln(out, s)
			}
			fmt.Fprintf(out, "checksum: %s\n", checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "hex secret key (defaults to $"+secretEnv+")")
	cmd.Flags().IntVarP(&threshold, "threshold", "k", 3, "shares needed to reconstruct")
	cmd.Flags().IntVarP(&total, "shares", "n", 5, "shares to produce")
	return cmd
}

func newCombineCmd() *cobra.Command {
	var checksum string
	cmd := &cobra.Command{
		Use:   "combine <share>...",
		Short: "Reconstruct a secret from shares",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if checksum != "" {
				var err error
				if secret, err = shamir.CombineVerified(args, checksum); err != nil {
					return err
				}
			} else if secret = shamir.Combine(args); secret == "" {
				return errCombineFailed
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&checksum, "checksum", "", "checksum printed by split; enables verification")
	return cmd
}
