package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/dcm/config"
	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/udsclient"
)

type requestFlags struct {
	channel    string
	functional bool
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	p3         time.Duration
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	rf := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "request <hex>...",
		Short: "Send one or more UDS requests as a tester",
		Long: `Send UDS requests on a tester channel and print the responses. Each
argument is one request in hex; spaces inside an argument are ignored.

On the virtual bus an in-process server is started first, so the requests
exercise the complete stack.`,
		Example: `  dcmd request 22F190
  dcmd request "10 03" "22 F1 90 F1 8C"
  dcmd request --functional 3E00`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			reqs, err := parseRequests(args)
			if err != nil {
				return err
			}
			return runRequests(cmd, cfg, rf, reqs)
		},
	}
	cmd.Flags().StringVar(&rf.channel, "channel", "tester", "cantp channel to use")
	cmd.Flags().BoolVar(&rf.functional, "functional", false, "send requests to the functional address")
	cmd.Flags().DurationVar(&rf.timeout, "timeout", time.Second, "response timeout (P2 client)")
	cmd.Flags().IntVar(&rf.retries, "retries", 3, "retries on busyRepeatRequest")
	cmd.Flags().DurationVar(&rf.retryDelay, "retry-delay", 100*time.Millisecond, "delay before a retry")
	cmd.Flags().DurationVar(&rf.p3, "p3", 50*time.Millisecond, "minimum gap between a response and the next request")
	return cmd
}

func parseRequests(args []string) ([][]byte, error) {
	var out [][]byte
	for _, a := range args {
		b, err := hex.DecodeString(strings.ReplaceAll(a, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", a, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("request %q is empty", a)
		}
		out = append(out, b)
	}
	return out, nil
}

func runRequests(cmd *cobra.Command, cfg *config.Config, rf *requestFlags, reqs [][]byte) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logrecorder.Close(log)
	tp, err := cfg.TesterTransportConfig(rf.channel)
	if err != nil {
		return err
	}

	var dev driver.CANDriver
	switch cfg.Bus.Driver {
	case config.DriverVirtual:
		vbus := driver.NewVirtualBus(log)
		e, err := newECU(cfg, vbus.Attach("ecu"), log)
		if err != nil {
			return err
		}
		defer e.close()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.run(ctx) }()
		defer func() {
			cancel()
			<-done
		}()
		dev = vbus.Attach("tester")
	default:
		if dev, err = openSocketCAN(cfg.Bus.Interface, log); err != nil {
			return err
		}
	}

	pdus := udsclient.Pdus{Rx: config.TesterRxPdu, Tx: config.TesterTxPdu}
	if len(tp.TxSdus) > 1 {
		fn := config.TesterFuncPdu
		pdus.Functional = &fn
	}
	client, err := udsclient.NewUDSClient(dev, tp,
		udsclient.WithLogger(log),
		udsclient.WithPdus(pdus),
		udsclient.WithP3(rf.p3))
	if err != nil {
		return err
	}
	defer client.Close()

	opts := udsclient.RequestOptions{
		Timeout:    rf.timeout,
		MaxRetries: rf.retries,
		RetryDelay: rf.retryDelay,
		Functional: rf.functional,
	}
	out := cmd.OutOrStdout()
	var failed int
	for _, req := range reqs {
		resp, err := client.RequestWithContext(cmd.Context(), req, opts)
		var udsErr *udsclient.UDSError
		switch {
		case err == nil:
			fmt.Fprintf(out, "%X -> %X\n", req, resp)
		case errors.As(err, &udsErr):
			failed++
			fmt.Fprintf(out, "%X -> 7F%02X%02X (%s)\n", req, udsErr.ServiceID, udsErr.NRC, udsErr.Message)
		default:
			return fmt.Errorf("request %X: %w", req, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d request(s) answered negatively", failed, len(reqs))
	}
	return nil
}
