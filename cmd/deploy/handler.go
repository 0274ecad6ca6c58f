package deploy

import (
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/goldboot/goldboot/cmd/core"
	"github.com/goldboot/goldboot/gbf"
	"github.com/goldboot/goldboot/utils"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Deploy(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.deploy.Deploy")

	image, devicePath := args[0], args[1]

	imagePath := image
	if !utils.ValidFile(imagePath) {
		library := cmdcore.InitLibrary(conf)
		entry, err := library.Get(ctx, image)
		if err != nil {
			return fmt.Errorf("resolving image %q: %w", image, err)
		}
		imagePath = conf.ImagePath(entry.Digest.Hex())
	}

	var password *string
	if pw, _ := cmd.Flags().GetString("password"); pw != "" {
		password = &pw
	} else if pw := os.Getenv("GOLDBOOT_PASSWORD"); pw != "" {
		password = &pw
	}
	verify, _ := cmd.Flags().GetBool("verify")

	src, err := os.Open(imagePath) //nolint:gosec // path resolved from a CLI argument or the library index
	if err != nil {
		return fmt.Errorf("opening image %s: %w", imagePath, err)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.OpenFile(devicePath, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec,mnd
	if err != nil {
		return fmt.Errorf("opening destination %s: %w", devicePath, err)
	}
	defer dst.Close() //nolint:errcheck

	logger.Infof(ctx, "deploying %s to %s", imagePath, devicePath)
	if err := gbf.Decode(src, dst, gbf.DecodeOptions{Password: password, VerifyDigest: verify}); err != nil {
		return fmt.Errorf("decoding %s onto %s: %w", imagePath, devicePath, err)
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", devicePath, err)
	}

	fmt.Printf("Deployed %s to %s\n", image, devicePath)
	return nil
}
