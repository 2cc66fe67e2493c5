// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/accessguard/internal/security/audit"
)

// =============================================================================
// KEYGEN (AU-9)
// =============================================================================

func (a *App) keygen(args Args) error {
	p := NewArgParser(args.Raw, "force", "f")
	path := p.Positional(0)
	if path == "" {
		return usageError("keygen needs a key file path")
	}
	if _, err := os.Stat(path); err == nil && !p.BoolFlag("force", "f") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := audit.GenerateKey(path); err != nil {
		return err
	}
	a.Logger.Info("audit chain key created", "path", path)

	if args.JSON {
		return NewJSONResponse("keygen", map[string]string{"path": path}).Write(a.Out)
	}
	fmt.Fprintf(a.Out, "%s wrote %d-byte chain key to %s\n", RenderStatus("ok"), audit.KeySize, path)
	return nil
}

// =============================================================================
// VERIFY (AU-9)
// =============================================================================

type verifyResult struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Intact  bool   `json:"intact"`
	Problem string `json:"problem,omitempty"`
}

func (a *App) verify(args Args) error {
	p := NewArgParser(args.Raw)
	path := p.Positional(0)
	if path == "" {
		cfg, err := a.loadConfig(args)
		if err != nil {
			return err
		}
		path = cfg.Audit.File
	}
	if path == "" {
		return usageError("verify needs an audit file path")
	}

	key, err := audit.LoadKey(p.Flag("key", "k"))
	if err != nil {
		return err
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	n, verr := audit.VerifyFile(path, key)
	res := verifyResult{Path: path, Records: n, Intact: verr == nil}
	if verr != nil {
		res.Problem = verr.Error()
	}

	if args.JSON {
		if err := NewJSONResponse("verify", res).Write(a.Out); err != nil {
			return err
		}
	} else if res.Intact {
		fmt.Fprintf(a.Out, "%s %s: %d records, chain intact\n", RenderStatus("ok"), path, n)
	} else {
		fmt.Fprintf(a.Out, "%s %s: %s\n", RenderStatus("fail"), path, res.Problem)
	}
	if verr != nil {
		return reportedError{verr}
	}
	return nil
}

// =============================================================================
// EVENTS (AU-6)
// =============================================================================

func (a *App) events(ctx context.Context, args Args) error {
	p := NewArgParser(args.Raw)
	path := p.Positional(0)
	if path == "" {
		cfg, err := a.loadConfig(args)
		if err != nil {
			return err
		}
		path = cfg.Audit.SQLite
	}
	if path == "" {
		return usageError("events needs a SQLite database path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audit database: %w", err)
	}

	limit, err := p.FlagInt("limit", 50)
	if err != nil {
		return usageError("%v", err)
	}
	since, err := p.FlagDuration("since")
	if err != nil {
		return usageError("%v", err)
	}

	f := audit.Filter{
		Name:   strings.ToUpper(p.Flag("event", "e")),
		UserID: p.Flag("user", "u"),
		Limit:  limit,
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}

	store, err := audit.OpenSQLite(path, audit.WithLogger(a.Logger))
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Query(ctx, f)
	if err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("events", events).Write(a.Out)
	}
	if len(events) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("no matching events"))
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(a.Out, "%s  %-32s %s\n",
			DimStyle.Render(e.Timestamp.Format(time.RFC3339)), e.Name, formatData(e.Data))
	}
	return nil
}

func formatData(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + data[k]
	}
	return strings.Join(parts, " ")
}
