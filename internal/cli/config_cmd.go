// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jeranaias/accessguard/internal/config"
)

// loadConfig loads args.ConfigPath. A missing file at the default path
// yields the built-in defaults.
func (a *App) loadConfig(args Args) (*config.Config, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	if args.ConfigPath == DefaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		a.Logger.Debug("no configuration file, using defaults", "path", args.ConfigPath)
		cfg = config.Default()
		if err := cfg.ApplyEnvOverrides(); err != nil {
			return nil, err
		}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return nil, err
}

// =============================================================================
// VALIDATE
// =============================================================================

type validateResult struct {
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (a *App) validate(args Args) error {
	res := validateResult{Path: args.ConfigPath}

	_, err := config.Load(args.ConfigPath)
	var verrs config.ValidateErrors
	switch {
	case err == nil:
		res.Valid = true
	case errors.As(err, &verrs):
		for _, ve := range verrs {
			res.Errors = append(res.Errors, ve.Error())
		}
	default:
		return err
	}

	if args.JSON {
		if err := NewJSONResponse("validate", res).Write(a.Out); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(a.Out, "%s %s\n", RenderStatus("ok"), res.Path)
	} else {
		fmt.Fprintf(a.Out, "%s %s\n", RenderStatus("fail"), res.Path)
		for _, e := range res.Errors {
			fmt.Fprintf(a.Out, "  - %s\n", e)
		}
	}

	if !res.Valid {
		return reportedError{fmt.Errorf("%d configuration problem(s)", len(res.Errors))}
	}
	return nil
}

// =============================================================================
// POLICY
// =============================================================================

func (a *App) policy(args Args) error {
	cfg, err := a.loadConfig(args)
	if err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("policy", cfg.Redacted()).Write(a.Out)
	}

	w := a.Out
	fmt.Fprintln(w, TitleStyle.Render("accessguard policy"))
	fmt.Fprintln(w, RenderSeparator(60))

	fmt.Fprintln(w, SectionStyle.Render("Throttle (AC-7)"))
	for _, name := range cfg.RuleNames() {
		r := cfg.Throttle.Rules[name]
		fmt.Fprintf(w, "%s%d per %v by %s\n", RenderLabel(name), r.MaxRequests, r.Window.Duration, r.Key)
	}
	fmt.Fprintf(w, "%s%s\n", RenderLabel("deny list"), listOrNone(cfg.Throttle.DenyList))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("allow list"), listOrNone(cfg.Throttle.AllowList))
	if cfg.Throttle.FloodRate > 0 {
		fmt.Fprintf(w, "%s%g/s burst %d\n", RenderLabel("flood guard"), cfg.Throttle.FloodRate, cfg.Throttle.FloodBurst)
	} else {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("flood guard"), DimStyle.Render("off"))
	}

	fmt.Fprintln(w, SectionStyle.Render("Second factor (IA-2(1))"))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("issuer"), cfg.MFA.Issuer)
	fmt.Fprintf(w, "%s%d digits every %v\n", RenderLabel("time codes"), cfg.MFA.Digits, cfg.MFA.Period.Duration)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("backup codes"), cfg.MFA.BackupCodeCount)
	if cfg.MFA.TrustTTL.Duration > 0 {
		fmt.Fprintf(w, "%s%v\n", RenderLabel("device trust"), cfg.MFA.TrustTTL.Duration)
	} else {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("device trust"), "never expires")
	}

	fmt.Fprintln(w, SectionStyle.Render("Sessions (AC-10, AC-12)"))
	fmt.Fprintf(w, "%s%v\n", RenderLabel("max age"), cfg.Session.MaxAge.Duration)
	fmt.Fprintf(w, "%s%v\n", RenderLabel("renew threshold"), cfg.Session.RenewThreshold.Duration)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("max concurrent"), cfg.Session.MaxConcurrentSessions)

	fmt.Fprintln(w, SectionStyle.Render("Audit (AU-2, AU-9)"))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("file"), orNone(cfg.Audit.File))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("sqlite"), orNone(cfg.Audit.SQLite))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("chain key"), orNone(cfg.Audit.ChainKeyFile))

	fmt.Fprintln(w, SectionStyle.Render("Users"))
	if len(cfg.Users) == 0 {
		fmt.Fprintln(w, DimStyle.Render("  none configured"))
	}
	for _, u := range cfg.Users {
		sf := ""
		switch {
		case u.SecondFactor && u.MFASecret != "":
			sf = fmt.Sprintf(" (second factor, %d backup codes)", len(u.BackupCodeDigests))
		case u.SecondFactor:
			sf = " (second factor, not enrolled)"
		}
		fmt.Fprintf(w, "%s%s%s\n", RenderLabel(u.Username), u.ID, sf)
	}
	return nil
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return DimStyle.Render("none")
	}
	return strings.Join(items, ", ")
}

func orNone(s string) string {
	if s == "" {
		return DimStyle.Render("none")
	}
	return s
}

// =============================================================================
// INIT
// =============================================================================

func (a *App) initConfig(args Args) error {
	p := NewArgParser(args.Raw, "force", "f")
	path := p.Positional(0)
	if path == "" {
		path = args.ConfigPath
	}

	if _, err := os.Stat(path); err == nil && !p.BoolFlag("force", "f") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.SaveTOML(config.Default(), path); err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("init", map[string]string{"path": path}).Write(a.Out)
	}
	fmt.Fprintf(a.Out, "%s wrote %s\n", RenderStatus("ok"), path)
	return nil
}
