package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/session"
	"github.com/crepererum/cloudexec/internal/setup"
)

const envPrefix = "CLOUDEXEC"

// settings are the resolved command line options.
type settings struct {
	ConfigPath string
	Socket     string
	BaseDir    string
	Profile    string
	LogLevel   string
	KeyGen     string
	Daemon     bool
	List       bool
	Verbose    bool
}

type app struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar
	stdout   io.Writer
	stderr   io.Writer

	runDaemon func(ctx context.Context, s settings) error
	runList   func(ctx context.Context, s settings) error
	runClient func(ctx context.Context, s settings, argv []string) (int, error)

	status int
}

func newApp(logger *slog.Logger, levelVar *slog.LevelVar) *app {
	a := &app{
		logger:   logger,
		levelVar: levelVar,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
	a.runDaemon = func(ctx context.Context, s settings) error {
		return runDaemon(ctx, s, a.logger)
	}
	a.runList = func(ctx context.Context, s settings) error {
		return runList(ctx, s, a.stdout)
	}
	a.runClient = func(ctx context.Context, s settings, argv []string) (int, error) {
		return runClient(ctx, s, argv, a.stdout, a.stderr, a.logger)
	}
	return a
}

// execute runs the command line and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	return a.exitCode(ctx, err)
}

func (a *app) exitCode(ctx context.Context, err error) int {
	var cleanupErr *session.CleanupError
	switch {
	case err == nil:
		return a.status
	case errors.As(err, &cleanupErr) && a.status >= 0:
		a.logger.Warn("session teardown incomplete", "error", err)
		return a.status
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		a.logger.Warn("command interrupted", "error", err)
		return 130
	default:
		a.logger.Error("command execution failed", "error", err)
		return 1
	}
}

func (a *app) newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "cloudexec [flags] <executable> [args...]",
		Short: "Run a command on a pooled cloud machine with the local directory mounted",
		Long: `cloudexec runs a command on a cloud machine leased from a long running
daemon. The base directory is mounted on the machine over sshfs and the
command runs in the matching working directory with its output streamed back.

Start the daemon with 'cloudexec --daemon'.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			level, err := resolveLogLevel(s)
			if err != nil {
				return err
			}
			if a.levelVar != nil {
				a.levelVar.Set(level)
			}
			setup.SetLogger(a.logger.With("component", "setup"))

			ctx := cmd.Context()
			switch {
			case s.Daemon:
				return a.runDaemon(ctx, s)
			case s.List:
				return a.runList(ctx, s)
			case len(args) == 0:
				return errors.New("no executable given")
			}

			status, err := a.runClient(ctx, s, args)
			a.status = status
			return err
		},
	}

	flags := root.Flags()
	flags.SetInterspersed(false)
	flags.StringP("config", "f", "", "configuration file (default $XDG_CONFIG_HOME/cloudexec/cloudexec.conf or ~/.cloudexecrc)")
	flags.BoolP("daemon", "d", false, "run the machine pool daemon")
	flags.StringP("basedir", "b", ".", "directory mounted on the remote machine")
	flags.StringP("profile", "p", "default", "profile of the machine to run on")
	flags.BoolP("verbose", "v", false, "log progress information")
	flags.String("log-level", "", "log verbosity (debug, info, warning, error)")
	flags.String("socket", "", "daemon socket (default ~/.cloudexec/socket)")
	flags.Bool("list", false, "list the machines the daemon has ready")
	flags.String("keygen", keyGenNative, "key generator (native, ssh-keygen)")

	for _, name := range []string{"config", "daemon", "basedir", "profile", "verbose", "log-level", "socket", "list", "keygen"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return root
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		ConfigPath: strings.TrimSpace(v.GetString("config")),
		Socket:     strings.TrimSpace(v.GetString("socket")),
		BaseDir:    v.GetString("basedir"),
		Profile:    v.GetString("profile"),
		LogLevel:   v.GetString("log-level"),
		KeyGen:     strings.TrimSpace(v.GetString("keygen")),
		Daemon:     v.GetBool("daemon"),
		List:       v.GetBool("list"),
		Verbose:    v.GetBool("verbose"),
	}
}

// resolveLogLevel applies --log-level, else info for the daemon or with
// --verbose, else warning.
func resolveLogLevel(s settings) (slog.Level, error) {
	if strings.TrimSpace(s.LogLevel) != "" {
		level, err := logging.ParseLevel(s.LogLevel)
		if err != nil {
			return slog.LevelWarn, fmt.Errorf("invalid --log-level: %w", err)
		}
		return level, nil
	}
	if s.Daemon || s.Verbose {
		return slog.LevelInfo, nil
	}
	return slog.LevelWarn, nil
}
