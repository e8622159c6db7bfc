// Command jmapsync synchronizes a JMAP mail account into a local
// tag-indexed maildir, and optionally submits outgoing mail through
// the same account (§6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"jmapsync/internal/config"
	"jmapsync/internal/logging"
	"jmapsync/internal/remote"
	"jmapsync/internal/sendmail"
	"jmapsync/internal/syncengine"
)

type globalFlags struct {
	configDir string
	dryRun    bool
	verbosity int
	quiet     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{configDir: "."}

	root := &cobra.Command{
		Use:           "jmapsync",
		Short:         "Synchronize a JMAP mail account with a local tag-indexed maildir",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configDir, "config-dir", "C", ".", "directory containing mujmap.toml")
	root.PersistentFlags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "perform all reads but make no changes")
	root.PersistentFlags().CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	root.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "only log warnings and errors")

	root.AddCommand(newSyncCmd(flags))
	root.AddCommand(newSendCmd(flags))
	return root
}

func loadConfig(flags *globalFlags) (*config.Config, config.Dirs, error) {
	cfgPath := filepath.Join(flags.configDir, "mujmap.toml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Dirs{}, err
	}
	dirs, err := cfg.ResolveDirs(flags.configDir)
	if err != nil {
		return nil, config.Dirs{}, err
	}
	return cfg, dirs, nil
}

func newSyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local maildir with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(flags.verbosity, flags.quiet)
			cfg, dirs, err := loadConfig(flags)
			if err != nil {
				return err
			}
			engine := syncengine.New(cfg, dirs, log, flags.dryRun)
			return engine.Run(context.Background())
		},
	}
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [recipients...]",
		Short: "Submit an outgoing message read from stdin",
		// The sendmail-compatibility flags (-oi, -i, -f, -F) and -t are
		// not ours to declare: a caller invoking jmapsync as a drop-in
		// sendmail replacement passes whatever its own MTA convention
		// uses, so parsing is hand-rolled rather than left to pflag.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			remaining, err := sendmail.ParseCompatFlags(args)
			if err != nil {
				return err
			}
			var readFromHeaders bool
			var recipients []string
			for _, a := range remaining {
				if a == "-t" {
					readFromHeaders = true
					continue
				}
				recipients = append(recipients, a)
			}

			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}

			log := logging.New(flags.verbosity, flags.quiet)
			opts := sendmail.Options{ReadRecipientsFromHeaders: readFromHeaders, Recipients: recipients}
			if flags.dryRun {
				fmt.Fprintln(os.Stderr, "dry run: no message sent")
				return nil
			}

			ctx := context.Background()
			password, err := cfg.Password()
			if err != nil {
				return err
			}
			sess, err := remote.OpenSession(ctx, cfg, password, time.Duration(cfg.Timeout)*time.Second)
			if err != nil {
				return err
			}
			client := remote.New(sess, log)
			return sendmail.Send(ctx, client, os.Stdin, opts)
		},
	}
	return cmd
}
