package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/dcm/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "dcmd",
		Short: "UDS diagnostic communication manager on CAN",
		Long: `dcmd runs a UDS diagnostic server (Dcm) on top of ISO 15765-2 on a CAN bus,
and provides the tester side tooling to talk to it.

Without --config the built-in defaults are used: a virtual bus, a workshop
tester on 0x7E0/0x7E8 (functional 0x7DF) and an end-of-line tester on
0x7E1/0x7E9.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newRequestCmd(flags))
	rootCmd.AddCommand(newCertCmd(flags))
	rootCmd.AddCommand(newConfigCmd(flags))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取 --config 指定的文件，未指定时使用默认配置
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.configPath == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(flags.configPath)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dcmd version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "date: %s\n", date)
		},
	}
}
