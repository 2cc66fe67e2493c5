// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/accessguard/internal/security/mfa"
)

// =============================================================================
// HASH (IA-5)
// =============================================================================

func (a *App) hash(args Args) error {
	p := NewArgParser(args.Raw)
	cost, err := p.FlagInt("cost", bcrypt.DefaultCost)
	if err != nil {
		return usageError("%v", err)
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return usageError("--cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	password, err := ReadSecret(a.In, a.Err, "Password")
	if err != nil {
		return err
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if args.JSON {
		return NewJSONResponse("hash", map[string]string{"password_hash": string(h)}).Write(a.Out)
	}
	fmt.Fprintln(a.Out, string(h))
	return nil
}

// =============================================================================
// ENROLL (IA-2(1))
// =============================================================================

type enrollResult struct {
	UserID      string   `json:"user_id"`
	Secret      string   `json:"secret"`
	URL         string   `json:"url"`
	BackupCodes []string `json:"backup_codes"`

	// BackupCodeDigests go in the user's backup_code_digests setting.
	BackupCodeDigests []string `json:"backup_code_digests"`
	QRCode            string   `json:"qr_code,omitempty"`
}

// enroll provisions a second factor. It prints what the user registers in
// an authenticator app and the mfa_secret and backup_code_digests settings
// that enroll the user when the configuration is loaded.
func (a *App) enroll(args Args) error {
	p := NewArgParser(args.Raw)
	userID := p.Positional(0)
	if userID == "" {
		return usageError("enroll needs a user ID")
	}
	size, err := p.FlagInt("size", 256)
	if err != nil {
		return usageError("%v", err)
	}

	cfg, err := a.loadConfig(args)
	if err != nil {
		return err
	}

	v := mfa.NewVerifier(
		mfa.WithConfig(mfa.Config{
			Issuer:          cfg.MFA.Issuer,
			Period:          cfg.MFA.Period.Duration,
			Digits:          cfg.MFA.Digits,
			BackupCodeCount: cfg.MFA.BackupCodeCount,
			TrustTTL:        cfg.MFA.TrustTTL.Duration,
		}),
		mfa.WithLogger(a.Logger),
	)
	enr, err := v.Enroll(userID)
	if err != nil {
		return err
	}

	res := enrollResult{
		UserID:      enr.UserID,
		Secret:      enr.Secret,
		URL:         enr.URL,
		BackupCodes: enr.BackupCodes,
	}
	for _, c := range enr.BackupCodes {
		res.BackupCodeDigests = append(res.BackupCodeDigests, mfa.DigestBackupCode(c))
	}

	if qrPath := p.Flag("qr"); qrPath != "" {
		png, err := enr.QRCode(size)
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrPath, png, 0600); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		res.QRCode = qrPath
	}

	if args.JSON {
		return NewJSONResponse("enroll", res).Write(a.Out)
	}

	w := a.Out
	fmt.Fprintln(w, TitleStyle.Render("Second factor for "+userID))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("secret"), res.Secret)
	fmt.Fprintf(w, "%s%s\n", RenderLabel("provisioning URL"), res.URL)
	if res.QRCode != "" {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("QR code"), res.QRCode)
	}
	if code, err := v.CodeAt(userID, time.Now()); err == nil {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("current code"), code)
	}
	fmt.Fprintln(w, SectionStyle.Render("Backup codes (shown once)"))
	for _, c := range res.BackupCodes {
		fmt.Fprintf(w, "  %s\n", c)
	}
	fmt.Fprintln(w, SectionStyle.Render("Configuration for [[users]] id = "+strconv.Quote(userID)))
	fmt.Fprintf(w, "  second_factor = true\n")
	fmt.Fprintf(w, "  mfa_secret = %s\n", strconv.Quote(res.Secret))
	fmt.Fprintln(w, "  backup_code_digests = [")
	for _, d := range res.BackupCodeDigests {
		fmt.Fprintf(w, "    %s,\n", strconv.Quote(d))
	}
	fmt.Fprintln(w, "  ]")
	fmt.Fprintln(w, WarningStyle.Render("Nothing is saved: add these settings to the configuration file."))
	return nil
}
