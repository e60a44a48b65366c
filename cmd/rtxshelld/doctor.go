package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/internal/appconfig"
	"pkt.systems/rtxshell/shellsession"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var probeCommand string
	var dialTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Dial the target host and run a diagnostic command",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Target.Addr == "" {
				return fmt.Errorf("target.addr is required")
			}
			logger.Info("doctor start", "target", cfg.Target.Addr)

			authCfg, closeAgent, err := dialAuthConfig(cfg, logger)
			if err != nil {
				return err
			}
			if closeAgent != nil {
				defer func() { _ = closeAgent() }()
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()
			session, err := shellsession.Open(dialCtx, authCfg, logger)
			if err != nil {
				return fmt.Errorf("doctor dial failed: %w", err)
			}
			defer func() { _ = session.Close() }()
			logger.Info("doctor dial ok", "target", cfg.Target.Addr)

			banner := session.DrainBanner(400 * time.Millisecond)
			logger.Debug("doctor banner", "bytes", len(banner))

			if err := session.WriteLine(probeCommand); err != nil {
				return fmt.Errorf("doctor probe command failed: %w", err)
			}
			logger.Info("doctor probe command sent", "command", probeCommand)
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&probeCommand, "probe-command", "echo rtxshell-doctor-ok", "command to run against the target as a smoke test")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 15*time.Second, "timeout for dialing the target host")
	return cmd
}
