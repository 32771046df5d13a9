package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"captchify/internal/config"
	"captchify/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "v1.0.0"

// app carries what PersistentPreRunE prepares for the subcommands.
type app struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "captchify",
		Short:         "Behavioural CAPTCHA client, proof-of-work solver and reference gate",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "config.yaml", "config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logger.level")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(newServeCmd(a), newReplayCmd(a), newSolveCmd(a), newVersionCmd())
	return root
}

func (a *app) setup() error {
	cfg, err := config.LoadConfig(a.cfgFile)
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return err
	}
	if a.logLevel != "" {
		cfg.Logger.Level = a.logLevel
	}
	logger, lerr := logging.New(cfg.Logger)
	if lerr != nil {
		return fmt.Errorf("logger: %w", lerr)
	}
	if missing {
		logger.Debug("config file not found, using defaults", zap.String("path", a.cfgFile))
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
