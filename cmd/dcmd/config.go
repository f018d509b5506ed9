package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/dcm/config"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print-default",
		Short: "Print the built-in configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			def := config.Default()
			out, err := config.Marshal(&def)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration given by --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			// Default() 未经过 Load，这里补一次校验
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d channel(s), %d connection(s), %d DID(s)\n",
				len(cfg.CanTp.Channels), len(cfg.Dcm.Connections), len(cfg.Dcm.Dids))
			return nil
		},
	})
	return cmd
}
