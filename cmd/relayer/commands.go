package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/relayer/internal/config"
	"github.com/mattjoyce/relayer/internal/doctor"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/history"
	"github.com/mattjoyce/relayer/internal/inspect"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/log"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/scheduler"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/storage"
	"github.com/mattjoyce/relayer/internal/upload"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// toolLogLevel keeps one-shot commands quiet unless something goes wrong.
const toolLogLevel = "warn"

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history <owner>",
		Short: "List an owner's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := log.New(cmd.ErrOrStderr(), toolLogLevel)
			ws, err := workspace.NewManager(cfg.UsersDir(), logger)
			if err != nil {
				return err
			}
			entries, err := history.New(ws, logger).Enumerate(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(entries) == 0 {
				fmt.Fprintf(out, "No runs for %s.\n", args[0])
				return nil
			}
			fmt.Fprintln(out, renderHistory(entries))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderHistory(entries []history.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("JOB ID", "RUN TIME", "EXIT", "SHARED", "INPUTS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		shared := ""
		if e.Share {
			shared = "yes"
		}
		names := make([]string, len(e.Files))
		for i, f := range e.Files {
			names[i] = f.Name
		}
		t.Row(e.JobID, e.RunTime.UTC().Format(time.DateTime), exit, shared, strings.Join(names, ", "))
	}
	return t.Render()
}

func newShareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "share <owner> <job_id>",
		Short: "Publish a run under its public share link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, shares, err := openShares(cmd, opts)
			if err != nil {
				return err
			}
			if err := shares.Publish(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manifest.NewLinks(cfg.Service.PublicURL).ShareURL(args[0], args[1]))
			return nil
		},
	}
}

func newUnshareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <owner> <job_id>",
		Short: "Withdraw a run's public share",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, shares, err := openShares(cmd, opts)
			if err != nil {
				return err
			}
			if err := shares.Unpublish(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unshared %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func openShares(cmd *cobra.Command, opts *rootOptions) (*config.Config, *share.Manager, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := log.New(cmd.ErrOrStderr(), toolLogLevel)
	ws, err := workspace.NewManager(cfg.UsersDir(), logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, share.New(ws, cfg.ShareDir(), events.Discard, logger), nil
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned uploads and stale run staging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = cfg.Uploads.AbandonAfter
			}
			logger := log.New(cmd.ErrOrStderr(), toolLogLevel)
			ws, err := workspace.NewManager(cfg.UsersDir(), logger)
			if err != nil {
				return err
			}
			uploads := upload.NewAssembler(afero.NewOsFs(), cfg.StagingDir(), logger)

			// Crash recovery only runs under serve, which holds the lock.
			sched := scheduler.New(nil, uploads, ws, scheduler.Options{AbandonAfter: olderThan, Logger: logger})
			report, err := sched.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d abandoned upload(s) and %d stale run staging dir(s).\n",
				report.RemovedUploads, report.RemovedRunStaging)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (default uploads.abandon_after)")
	return cmd
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <owner> <job_id>",
		Short: "Show a run's ledger record, archive state and artifacts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.StatePath())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), ledger.New(db), args[0], args[1])
			} else {
				report, err = inspect.BuildReport(cmd.Context(), ledger.New(db), args[0], args[1])
			}
			if err != nil {
				return fmt.Errorf("inspect failed: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(report, "\n")+"\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output report in JSON")
	return cmd
}

var errCheckFailed = errors.New("configuration check failed")

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration tools",
	}

	var jsonOut, strict bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration against this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()
			if strict && len(result.Warnings) > 0 {
				result.Valid = false
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return errCheckFailed
			}
			return nil
		},
	}
	check.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	check.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	cmd.AddCommand(check)
	return cmd
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("render version JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "relayer %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
