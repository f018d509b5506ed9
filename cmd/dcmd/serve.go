package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/dcm/config"
	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/logrecorder"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnostic server",
		Long: `Run the Dcm, the CAN transport layer and the controller unit until
interrupted. With the virtual bus driver nothing outside the process can
reach the server; use "dcmd request" which starts its own server instead.`,
		Example: `  # Serve on SocketCAN
  dcmd serve --config dcmd.yaml

  # Write a configuration to start from
  dcmd config print-default > dcmd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func newLogger(cfg *config.Config) (logrecorder.Logger, error) {
	log, err := logrecorder.New(cfg.Log.Dir, cfg.Log.Name, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}

// openBus 按配置打开 ECU 一侧的 CAN 驱动
func openBus(cfg *config.Config, vbus *driver.VirtualBus, log logrecorder.Logger) (driver.CANDriver, error) {
	switch cfg.Bus.Driver {
	case config.DriverSocketCAN:
		return openSocketCAN(cfg.Bus.Interface, log)
	case config.DriverVirtual:
		return vbus.Attach("ecu"), nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

func runServe(cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logrecorder.Close(log)

	dev, err := openBus(cfg, driver.NewVirtualBus(log), log)
	if err != nil {
		return err
	}
	e, err := newECU(cfg, dev, log)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("dcmd %s serving on %s %s", version, cfg.Bus.Driver, cfg.Bus.Interface)
	return e.run(ctx)
}
