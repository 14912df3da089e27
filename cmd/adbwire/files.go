package main

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbwire/internal/util"
)

const statsInterval = time.Second

var (
	shellCmd = &cobra.Command{
		Use:   "shell <command...>",
		Short: "Run a shell command on the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			out, err := t.Shell(cmd.Context(), joinArgs(args))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	lsCmd = &cobra.Command{
		Use:   "ls <dir>",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			entries, err := t.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.Mode.String(),
					strconv.FormatInt(e.Size, 10),
					e.ModifiedAt.Format(time.DateTime),
					e.Name,
				})
			}
			return renderTable([]string{"Mode", "Size", "Modified", "Name"}, rows)
		},
	}

	statCmd = &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata for a remote path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			fi, err := t.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !fi.Exists() {
				return pathNotFound(args[0])
			}
			if cfg.JSON {
				return printJSON(fi)
			}
			return renderTable([]string{"Path", "Mode", "Size", "Modified"}, [][]string{{
				args[0], fi.Mode.String(), strconv.FormatInt(fi.Size, 10), fi.ModifiedAt.Format(time.DateTime),
			}})
		},
	}

	pushCmd = &cobra.Command{
		Use:   "push <local> <remote>",
		Short: "Upload a file to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			util.StartStatsReporter(cmd.Context(), statsInterval)
			start := time.Now()
			n, err := t.Push(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			reportTransfer(args[0], args[1], n, time.Since(start))
			return nil
		},
	}

	pullCmd = &cobra.Command{
		Use:   "pull <remote> [local]",
		Short: "Download a file from the device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}

			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			util.StartStatsReporter(cmd.Context(), statsInterval)
			start := time.Now()
			n, err := t.Pull(cmd.Context(), args[0], local)
			if err != nil {
				return err
			}
			reportTransfer(args[0], local, n, time.Since(start))
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(shellCmd, lsCmd, statCmd, pushCmd, pullCmd)
}

func reportTransfer(from, to string, n int64, took time.Duration) {
	rate := float64(n)
	if secs := took.Seconds(); secs > 0 {
		rate /= secs
	}
	pterm.Success.Printfln("%s -> %s: %s in %s (%s/s)",
		from, to, util.FormatBytes(float64(n)), took.Round(time.Millisecond), util.FormatBytes(rate))
}

func joinArgs(args []string) string { return strings.Join(args, " ") }

func pathNotFound(p string) error { return errors.Errorf("%s: no such file or directory", p) }
