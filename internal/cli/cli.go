// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Version information, set at build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is a CLI command.
type Command int

const (
	CmdHelp     Command = iota
	CmdValidate         // check a configuration file
	CmdPolicy           // print the resolved policy
	CmdInit             // write a default configuration file
	CmdKeygen           // AU-9: create an audit chain key
	CmdVerify           // AU-9: verify an audit file chain
	CmdEvents           // AU-6: query the SQLite audit store
	CmdHash             // IA-5: bcrypt a password for the users table
	CmdEnroll           // IA-2(1): provision a second factor
	CmdWatch            // apply configuration changes as they happen
	CmdVersion
	CmdUnknown
)

var commandNames = map[string]Command{
	"help":     CmdHelp,
	"validate": CmdValidate,
	"check":    CmdValidate,
	"policy":   CmdPolicy,
	"show":     CmdPolicy,
	"init":     CmdInit,
	"keygen":   CmdKeygen,
	"verify":   CmdVerify,
	"events":   CmdEvents,
	"hash":     CmdHash,
	"enroll":   CmdEnroll,
	"watch":    CmdWatch,
	"version":  CmdVersion,
}

// Args holds parsed CLI arguments.
type Args struct {
	// Name is the command word as typed.
	Name string

	// ConfigPath is the configuration file (--config, -c).
	ConfigPath string

	JSON    bool
	Verbose bool
	Quiet   bool

	// Raw is everything after the command word.
	Raw []string
}

const usageText = `accessguard - login throttling, second factor and session policy tool

Usage:
  accessguard [global flags] <command> [arguments]

Commands:
  validate                    Check the configuration file
  policy                      Print the resolved policy
  init [path] [--force]       Write a default configuration file
  keygen <path>               Create an audit chain key (AU-9)
  verify <audit-file>         Verify an audit file's chain [--key path]
  events <sqlite-file>        Query audit events (AU-6)
                              [--event name] [--user id] [--since 24h] [--limit n]
  hash                        Read a password from stdin and print its bcrypt hash
  enroll <user-id>            Provision a second factor [--qr out.png]
  watch                       Re-apply the policy whenever the file changes
  version                     Print version information

Global flags:
  -c, --config <path>         Configuration file (default: accessguard.toml)
      --json                  Machine-readable output
  -v, --verbose               Debug logging
  -q, --quiet                 Errors only

Environment:
  ACCESSGUARD_*               Configuration overrides, e.g. ACCESSGUARD_LOG_LEVEL
  ACCESSGUARD_AUDIT_HMAC_KEY  Hex audit chain key
  NO_COLOR                    Disable colored output
`

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "accessguard.toml"

// Parse splits argv (without the program name) into a command and its
// arguments. Global flags may appear before the command.
func Parse(argv []string) (Command, Args) {
	args := Args{ConfigPath: DefaultConfigPath}

	var rest []string
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "-q" || arg == "--quiet":
			args.Quiet = true
		case arg == "-c" || arg == "--config":
			if i+1 < len(argv) {
				i++
				args.ConfigPath = argv[i]
			}
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-h" || arg == "--help":
			if len(rest) == 0 {
				return CmdHelp, args
			}
			rest = append(rest, arg)
		default:
			rest = append(rest, arg)
		}
	}

	if len(rest) == 0 {
		return CmdHelp, args
	}

	args.Name = strings.ToLower(rest[0])
	args.Raw = rest[1:]
	if cmd, ok := commandNames[args.Name]; ok {
		return cmd, args
	}
	return CmdUnknown, args
}

// =============================================================================
// APP
// =============================================================================

// App carries the process streams so commands can be tested.
type App struct {
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	Logger *slog.Logger
}

// NewApp returns an App on the process streams.
func NewApp() *App {
	return &App{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// errUsage marks errors that should print the usage text.
var errUsage = errors.New("usage")

func usageError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, a...))
}

// reportedError is a failure whose result the command already printed.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// Run executes cmd and returns the process exit code.
func (a *App) Run(ctx context.Context, cmd Command, args Args) int {
	if a.Logger == nil {
		a.Logger = NewLogger(a.Err, logLevel(args, "info"), "text")
	}

	var err error
	switch cmd {
	case CmdHelp:
		fmt.Fprint(a.Out, usageText)
		return 0
	case CmdVersion:
		err = a.version(args)
	case CmdValidate:
		err = a.validate(args)
	case CmdPolicy:
		err = a.policy(args)
	case CmdInit:
		err = a.initConfig(args)
	case CmdKeygen:
		err = a.keygen(args)
	case CmdVerify:
		err = a.verify(args)
	case CmdEvents:
		err = a.events(ctx, args)
	case CmdHash:
		err = a.hash(args)
	case CmdEnroll:
		err = a.enroll(args)
	case CmdWatch:
		err = a.watch(ctx, args)
	default:
		err = usageError("unknown command %q", args.Name)
	}

	if err == nil {
		return 0
	}
	var reported reportedError
	if errors.As(err, &reported) && args.JSON {
		return 1
	}
	if args.JSON {
		_ = NewJSONErrorResponse(args.Name, err).Write(a.Out)
	} else {
		fmt.Fprintf(a.Err, "%s %v\n", ErrorStyle.Render("error:"), err)
	}
	if errors.Is(err, errUsage) {
		if !args.JSON {
			fmt.Fprintln(a.Err, DimStyle.Render("run 'accessguard help' for usage"))
		}
		return 2
	}
	return 1
}

func (a *App) version(args Args) error {
	info := map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if args.JSON {
		return NewJSONResponse("version", info).Write(a.Out)
	}
	fmt.Fprintf(a.Out, "accessguard %s (%s, built %s, %s %s)\n",
		Version, GitCommit, BuildDate, info["go"], info["platform"])
	return nil
}
