package system

import (
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/goldboot/goldboot/cmd/core"
	"github.com/goldboot/goldboot/foundry"
	"github.com/goldboot/goldboot/gc"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	o := gc.New()
	cmdcore.InitLibrary(conf).RegisterGC(o)
	foundry.RegisterGC(o, conf)

	if err := o.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.system.GC").Infof(ctx, "GC completed")
	return nil
}
