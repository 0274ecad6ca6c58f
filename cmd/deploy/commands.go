package deploy

import "github.com/spf13/cobra"

// Actions defines the deploy verb's operation.
type Actions interface {
	Deploy(cmd *cobra.Command, args []string) error
}

// Command builds the "deploy" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy IMAGE DEVICE",
		Short: "Decode a GBF image onto a raw block device or file (spec §4.B)",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Deploy,
	}
	cmd.Flags().String("password", "", "header decryption password (or set GOLDBOOT_PASSWORD)")
	cmd.Flags().Bool("verify", false, "re-hash every decoded block against the digest table")
	return cmd
}
