package build

import "github.com/spf13/cobra"

// Actions defines the build verb's operation.
type Actions interface {
	Build(cmd *cobra.Command, args []string) error
}

// Command builds the "build" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build RECIPE",
		Short: "Build a GBF image from a Foundry recipe (spec §4.E)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Build,
	}
	cmd.Flags().String("output", "", "name to register the built image under (default: recipe name)")
	cmd.Flags().String("password", "", "header encryption password (or set GOLDBOOT_PASSWORD)")
	cmd.Flags().String("sshdog-binary", "", "path to a static sshdog binary to stage on every element")
	cmd.Flags().Bool("debug", false, "force sequential element builds (scratch directories are still removed)")
	return cmd
}
