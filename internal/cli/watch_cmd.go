// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/accessguard/internal/config"
	"github.com/jeranaias/accessguard/internal/security/access"
	"github.com/jeranaias/accessguard/internal/security/audit"
)

// watch builds the full component stack from the configuration and
// re-applies the throttle policy each time the file changes, until ctx ends.
func (a *App) watch(ctx context.Context, args Args) error {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	logger := NewLogger(a.Err, logLevel(args, cfg.Log.Level), cfg.Log.Format)

	sinks, err := access.OpenSinks(cfg.Audit,
		audit.WithLogger(logger),
		audit.WithFailureCallback(func(err error) {
			logger.Error("audit sink failed", "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer sinks.Close()

	coord, err := access.NewFromConfig(cfg, nil, sinks.Sink(), access.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d := cfg.Throttle.SweepInterval.Duration; d > 0 {
		coord.Throttle().StartSweeper(ctx, d)
	}
	if d := cfg.Session.SweepInterval.Duration; d > 0 {
		coord.Sessions().StartSweeper(ctx, d)
	}

	err = config.Watch(ctx, args.ConfigPath, func(next *config.Config, err error) {
		if err != nil {
			logger.Error("configuration reload rejected, keeping previous policy", "error", err)
			return
		}
		if err := coord.Reload(next); err != nil {
			logger.Error("configuration reload failed", "error", err)
			return
		}
		fmt.Fprintf(a.Out, "%s policy reloaded: %d rules\n", RenderStatus("ok"), len(next.Throttle.Rules))
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "watching %s (Ctrl-C to stop)\n", args.ConfigPath)
	<-ctx.Done()
	return nil
}
