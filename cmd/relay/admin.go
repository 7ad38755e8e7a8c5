package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/admin"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/transport"
)

func newAdminCmd(a *app) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Interactive console over stored dialogs",
		Long: "Runs the admin console without the dispatcher. History commands work offline; " +
			"with --bridge, send with text is delivered directly through the bridge.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAdmin(cmd.Context(), a, connect)
		},
	}
	cmd.Flags().BoolVar(&connect, "bridge", false, "connect to BRIDGE_URL for direct sends")
	return cmd
}

func runAdmin(ctx context.Context, a *app, connect bool) error {
	store, err := openHistory(a.cfg.History, a.logger)
	if err != nil {
		return err
	}
	deps := admin.Deps{
		History:  store,
		Profiles: profile.NewFileStore(a.cfg.History.Dir),
	}

	if connect {
		bridge, err := transport.DialBridge(ctx, bridgeConfig(a.cfg.Transport), a.logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		// 无调度器消费入站消息，直接丢弃以免阻塞读循环。
		go func() {
			for ev := range bridge.Inbound() {
				a.logger.Debug("inbound ignored in admin mode", zap.Int64("user_id", ev.UserID))
			}
		}()
		deps.Transport = bridge
	}

	return admin.NewShell(deps, a.cfg.Schedule.Instruction, a.logger).Run(ctx, os.Stdin, os.Stdout)
}

func newRebuildMetaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-meta",
		Short: "Recompute chunk metadata for every stored dialog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(a.cfg.History, a.logger)
			if err != nil {
				return err
			}
			updated, total, err := store.RebuildMeta(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "meta rebuilt: %d of %d chunks updated\n", updated, total)
			return nil
		},
	}
}
