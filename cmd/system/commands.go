// Package system holds cross-cutting commands that don't belong to the
// build or deploy verb, mirroring the teacher's cmd/others split.
package system

import "github.com/spf13/cobra"

// Actions defines the system verb's operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
}

// Command builds the "gc" command.
func Command(h Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced images and stale build scratch directories",
		RunE:  h.GC,
	}
}
