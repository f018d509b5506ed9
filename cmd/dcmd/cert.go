package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/dcm/keym"
)

type certFlags struct {
	subject  string
	serial   uint64
	role     uint32
	valid    time.Duration
	services []string
	dids     []string
	rids     []string
	memory   []string
}

func newCertCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Tester credentials derived from the configured master key",
	}
	cmd.AddCommand(newCertIssueCmd(flags))
	cmd.AddCommand(newCertSecurityKeyCmd(flags))
	return cmd
}

func newCertIssueCmd(flags *globalFlags) *cobra.Command {
	cf := &certFlags{}
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a client certificate for the Authentication service",
		Long: `Issue a signed client certificate and print it in hex together with the
client key used for the proof of ownership. White-list entries are hex:
services are SID plus leading request bytes, DIDs and RIDs are 2 bytes of
identifier plus one access mask byte, memory entries are one selector byte.`,
		Example: `  dcmd cert issue --subject bench --role 0x04 --did F19001 --valid 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			m, err := keym.New(cfg.Keys.Master)
			if err != nil {
				return err
			}
			c, err := cf.certificate(time.Now())
			if err != nil {
				return err
			}
			raw, err := m.Issue(c)
			if err != nil {
				return err
			}
			key, err := m.ClientKey(c.Subject)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "certificate: %X\n", raw)
			fmt.Fprintf(out, "client key:  %X\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&cf.subject, "subject", "tester", "certificate subject")
	cmd.Flags().Uint64Var(&cf.serial, "serial", 1, "serial number")
	cmd.Flags().Uint32Var(&cf.role, "role", 0, "role mask")
	cmd.Flags().DurationVar(&cf.valid, "valid", 0, "validity from now; 0 means no expiry")
	cmd.Flags().StringSliceVar(&cf.services, "service", nil, "service white-list entry (hex)")
	cmd.Flags().StringSliceVar(&cf.dids, "did", nil, "DID white-list entry (hex)")
	cmd.Flags().StringSliceVar(&cf.rids, "rid", nil, "RID white-list entry (hex)")
	cmd.Flags().StringSliceVar(&cf.memory, "memory", nil, "memory white-list entry (hex)")
	return cmd
}

func (cf *certFlags) certificate(now time.Time) (keym.Certificate, error) {
	c := keym.Certificate{Serial: cf.serial, Subject: cf.subject, NotBefore: now.Unix()}
	if cf.valid > 0 {
		c.NotAfter = now.Add(cf.valid).Unix()
	}
	if cf.role != 0 {
		role := make([]byte, 4)
		binary.BigEndian.PutUint32(role, cf.role)
		c.Elements = append(c.Elements, keym.Element{Kind: keym.ElementRole, Value: role})
	}
	lists := []struct {
		kind    keym.ElementKind
		entries []string
		size    int
	}{
		{keym.ElementServiceWhiteList, cf.services, 0},
		{keym.ElementDidWhiteList, cf.dids, 3},
		{keym.ElementRidWhiteList, cf.rids, 3},
		{keym.ElementMemoryWhiteList, cf.memory, 1},
	}
	for _, l := range lists {
		for _, s := range l.entries {
			v, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
			if err != nil || len(v) == 0 || (l.size > 0 && len(v) != l.size) {
				return keym.Certificate{}, fmt.Errorf("invalid white-list entry %q", s)
			}
			c.Elements = append(c.Elements, keym.Element{Kind: l.kind, Value: v})
		}
	}
	return c, nil
}

func newCertSecurityKeyCmd(flags *globalFlags) *cobra.Command {
	var level uint8
	cmd := &cobra.Command{
		Use:   "security-key <seed>",
		Short: "Compute the SecurityAccess key for a seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			size := 0
			for _, l := range cfg.Dcm.SecurityLevels {
				if l.Level == level {
					size = l.KeySize
				}
			}
			if size == 0 {
				return fmt.Errorf("security level 0x%02X not configured", level)
			}
			seed, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			m, err := keym.New(cfg.Keys.Master)
			if err != nil {
				return err
			}
			key, err := m.SecurityKey(level)
			if err != nil {
				return err
			}
			resp, err := keym.SecurityResponse(key, seed, size)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%X\n", resp)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&level, "level", 1, "requestSeed sub-function of the level")
	return cmd
}
