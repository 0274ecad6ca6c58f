package build

import (
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/goldboot/goldboot/cmd/core"
	"github.com/goldboot/goldboot/foundry"
	progresscli "github.com/goldboot/goldboot/progress/cli"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Build(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.build.Build")

	recipePath := args[0]
	data, err := os.ReadFile(recipePath) //nolint:gosec // path is an explicit CLI argument
	if err != nil {
		return fmt.Errorf("reading recipe %s: %w", recipePath, err)
	}
	rec, err := foundry.DecodeYAML(data)
	if err != nil {
		return fmt.Errorf("decoding recipe %s: %w", recipePath, err)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		rec.Debug = true
	}

	var sshdogBinary []byte
	if path, _ := cmd.Flags().GetString("sshdog-binary"); path != "" {
		sshdogBinary, err = os.ReadFile(path) //nolint:gosec // path is an explicit CLI argument
		if err != nil {
			return fmt.Errorf("reading sshdog binary %s: %w", path, err)
		}
	}

	var password *string
	if pw, _ := cmd.Flags().GetString("password"); pw != "" {
		password = &pw
	} else if pw := os.Getenv("GOLDBOOT_PASSWORD"); pw != "" {
		password = &pw
	}

	outputName, _ := cmd.Flags().GetString("output")

	renderer := progresscli.NewRenderer(os.Stdout)

	deps := foundry.Dependencies{
		Config:       conf,
		Cache:        cmdcore.InitCache(conf),
		Library:      cmdcore.InitLibrary(conf),
		SshdogBinary: sshdogBinary,
	}
	opts := foundry.BuildOptions{
		Password:   password,
		OutputName: outputName,
		Progress:   renderer.Tracker(),
	}

	logger.Infof(ctx, "building %s from %s", rec.Name, recipePath)
	res, err := foundry.Build(ctx, deps, rec, opts)
	if err != nil {
		return fmt.Errorf("build %s: %w", rec.Name, err)
	}

	fmt.Printf("Built %s: %s (%s, %s)\n", res.Name, res.Digest, cmdcore.FormatSize(res.Size), res.Path)
	return nil
}
