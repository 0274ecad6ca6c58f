// Package cmd wires goldboot's cobra command tree: a thin entry point over
// foundry (build) and gbf (deploy), mirroring the teacher's cmd/root.go.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdbuild "github.com/goldboot/goldboot/cmd/build"
	cmdcore "github.com/goldboot/goldboot/cmd/core"
	cmddeploy "github.com/goldboot/goldboot/cmd/deploy"
	cmdsystem "github.com/goldboot/goldboot/cmd/system"
	"github.com/goldboot/goldboot/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "goldboot",
		Short:        "Goldboot - declarative OS image builder",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory (image library, firmware)")
	cmd.PersistentFlags().String("cache-dir", "", "source cache directory")
	cmd.PersistentFlags().String("run-dir", "", "per-build scratch directory")
	cmd.PersistentFlags().String("log-dir", "", "log directory")
	cmd.PersistentFlags().Int("pool-size", 0, "max concurrent element workers (default: NumCPU)")
	cmd.PersistentFlags().String("root-password", "", "default root password for fabricators that need one")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("cache_dir", cmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("pool_size", cmd.PersistentFlags().Lookup("pool-size"))
	_ = viper.BindPFlag("default_root_password", cmd.PersistentFlags().Lookup("root-password"))

	viper.SetEnvPrefix("GOLDBOOT")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdbuild.Command(cmdbuild.Handler{BaseHandler: base}))
	cmd.AddCommand(cmddeploy.Command(cmddeploy.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdsystem.Command(cmdsystem.Handler{BaseHandler: base}))

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if err := conf.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	return log.SetupLog(ctx, conf.Log, "")
}
