package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell"
	"pkt.systems/rtxshell/internal/appconfig"
	"pkt.systems/rtxshell/internal/sshagent"
	"pkt.systems/rtxshell/internal/sshkeys"
	"pkt.systems/rtxshell/shellsession"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Dial the target host and start the shell broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Target.Addr == "" {
				return fmt.Errorf("target.addr is required")
			}

			authCfg, closeAgent, err := dialAuthConfig(cfg, logger)
			if err != nil {
				return err
			}
			if closeAgent != nil {
				defer func() { _ = closeAgent() }()
			}

			srv, err := rtxshell.New(cmd.Context(), rtxshell.Config{
				Target:  authCfg,
				Session: cfg.Session.ToSchema(),
				Viewer: rtxshell.ViewerTransportConfig{
					Addr:     cfg.Viewer.Addr,
					BasePath: cfg.Viewer.BasePath,
					LagMax:   cfg.Viewer.LagMax,
				},
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()

			logger.Info("viewer gateway listening", "addr", cfg.Viewer.Addr, "path", cfg.Viewer.BasePath)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			return srv.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

// dialAuthConfig loads (or generates) the target host's key and, when
// requested, an ssh-agent socket to carry it, and returns the
// shellsession.AuthConfig ready to dial with.
func dialAuthConfig(cfg appconfig.Config, logger pslog.Logger) (shellsession.AuthConfig, func() error, error) {
	authCfg := shellsession.AuthConfig{
		HostAlias:         cfg.Target.HostAlias,
		Addr:              cfg.Target.Addr,
		User:              cfg.Target.User,
		KnownHostsPath:    cfg.Target.KnownHostsPath,
		KeyStorePath:      cfg.Target.KeyStorePath,
		KeyDir:            cfg.Target.KeyDir,
		KeepaliveInterval: time.Duration(cfg.Target.KeepaliveIntervalSeconds) * time.Second,
	}

	keyStore, err := sshkeys.NewStoreWithLogger(cfg.Target.KeyStorePath, cfg.Target.KeyDir, logger)
	if err != nil {
		return shellsession.AuthConfig{}, nil, err
	}
	if _, err := keyStore.EnsureKey(cfg.Target.HostAlias, "ed25519", 0); err != nil {
		return shellsession.AuthConfig{}, nil, fmt.Errorf("ensure ssh key: %w", err)
	}
	signer, err := keyStore.LoadSigner(cfg.Target.HostAlias)
	if err != nil {
		return shellsession.AuthConfig{}, nil, fmt.Errorf("load ssh signer: %w", err)
	}
	authCfg.Signers = []ssh.Signer{signer}

	if !cfg.Target.UseAgentAuth {
		return authCfg, nil, nil
	}

	agentManager, err := sshagent.NewManagerWithLogger(keyStore, cfg.Target.AgentDir, logger)
	if err != nil {
		return shellsession.AuthConfig{}, nil, err
	}
	if _, err := agentManager.EnsureAgent(cfg.Target.HostAlias); err != nil {
		_ = agentManager.Close()
		return shellsession.AuthConfig{}, nil, fmt.Errorf("ensure ssh agent: %w", err)
	}
	return authCfg, agentManager.Close, nil
}
