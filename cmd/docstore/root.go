package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/docstore/internal/logger"
)

// rootConfig holds flags shared by every command
type rootConfig struct {
	logLevel  string
	logPretty bool
}

func (c *rootConfig) logger() *logger.Logger {
	logger.InitGlobalLogger(logger.Config{
		Level:  c.logLevel,
		Pretty: c.logPretty,
		Output: os.Stderr,
	})
	return logger.GetGlobalLogger()
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "docstore",
		Short:         "Embedded document index store",
		Long:          "DocStore serves field (B+Tree) and geospatial (R-Tree) indexes backed by append-only files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&cfg.logPretty, "log-pretty", false, "Human-readable console logs")

	cmd.AddCommand(
		newServeCmd(cfg),
		newInspectCmd(cfg),
		newCompactCmd(cfg),
		newExportCmd(cfg),
	)
	return cmd
}
