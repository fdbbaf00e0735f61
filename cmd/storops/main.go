package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the command tree; output goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	storopsCommand := command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createJobCommand(storopsCommand),
		createDeleteCommand(storopsCommand, "fs", "filesystem"),
		createDeleteCommand(storopsCommand, "snap", "snapshot"),
		createDeleteCommand(storopsCommand, "nas", "NAS server"),
		createCacheCommand(storopsCommand),
		createServeCommand(storopsCommand),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "storops",
		Short:         "Dell Unity storage operations and async job tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Storops deletes Unity resources and tracks the asynchronous jobs the
array starts for them. A single poller batches all tracked job ids into one
query per interval.

Examples:
  storops job wait N-3078 --timeout=10m
  storops fs delete fs_8 --wait --force-snap-delete
  storops cache list
  storops serve                     # job API + metrics`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createJobCommand(storopsCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and wait for Unity jobs",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storopsCommand.JobGet(cmd.Context(), args[0])
		},
	}

	list := &cobra.Command{
		Use:   "list <id>...",
		Short: "Show several jobs with one batched query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storopsCommand.JobList(cmd.Context(), args)
		},
	}

	waitFlags := &JobWaitFlags{}
	wait := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a job completes, fails or times out",
		Long: `Wait until a job reaches a terminal state. Exits non-zero when the job
failed, completed with errors, or did not finish within --timeout.

Examples:
  storops job wait N-3078
  storops job wait N-3078 --timeout=30m --interval=5s
  storops job wait N-3078 --api-url=http://127.0.0.1:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storopsCommand.JobWait(cmd.Context(), args[0], *waitFlags)
		},
	}
	wait.Flags().DurationVar(&waitFlags.Timeout, "timeout", 0, "maximum wait (default from [jobs].wait_timeout)")
	wait.Flags().DurationVar(&waitFlags.Interval, "interval", 0, "check interval (default from [jobs].wait_interval)")
	wait.Flags().StringVar(&waitFlags.APIUrl, "api-url", "", "wait through a running daemon (e.g. http://host:8080/api)")
	wait.Flags().StringVar(&waitFlags.APICACert, "api-ca-cert", "", "CA certificate for an https --api-url")

	cmd.AddCommand(get, list, wait)
	return cmd
}

// createDeleteCommand creates "<kind> delete <id>" for one resource kind.
func createDeleteCommand(storopsCommand command, kind, noun string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: "Manage " + noun + "s",
	}

	f := &DeleteFlags{}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a " + noun,
		Long: `Delete a ` + noun + `. With --async the array answers with a job right
away; --wait implies --async and blocks until that job finishes.

Examples:
  storops ` + kind + ` delete <id>
  storops ` + kind + ` delete <id> --async
  storops ` + kind + ` delete <id> --wait --timeout=10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storopsCommand.Delete(cmd.Context(), kind, args[0], *f)
		},
	}
	del.Flags().BoolVar(&f.Async, "async", false, "return the job instead of waiting on the array side")
	del.Flags().BoolVar(&f.Wait, "wait", false, "wait for the delete job to finish")
	del.Flags().DurationVar(&f.Timeout, "timeout", 0, "maximum wait (default from [jobs].wait_timeout)")
	del.Flags().DurationVar(&f.Interval, "interval", 0, "check interval (default from [jobs].wait_interval)")
	switch kind {
	case "fs":
		del.Flags().BoolVar(&f.ForceSnapDelete, "force-snap-delete", false, "delete the filesystem's snapshots too")
		del.Flags().BoolVar(&f.ForceVvolDelete, "force-vvol-delete", false, "delete the filesystem's vVols too")
	case "nas":
		del.Flags().BoolVar(&f.SkipDomainUnjoin, "skip-domain-unjoin", false, "do not unjoin the CIFS server from its domain")
		del.Flags().StringVar(&f.DomainUsername, "domain-username", "", "domain user for the unjoin")
		del.Flags().StringVar(&f.DomainPassword, "domain-password", "", "domain password for the unjoin")
	}

	cmd.AddCommand(del)
	return cmd
}

func createCacheCommand(storopsCommand command) *cobra.Command {
	f := &CacheFlags{}
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Read and edit the shared storage group cache",
		Long: `The storage group cache is shared by every storops process on a host.

Examples:
  storops cache set sg-1 '{"hlus":[1,2]}'
  storops cache get sg-1
  storops cache list --dsn=postgres://user:pass@db/storops`,
	}
	cmd.PersistentFlags().StringVar(&f.DSN, "dsn", "", "cache DSN (default from [cache].dsn)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one cached storage group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return storopsCommand.CacheGet(cmd.Context(), args[0], *f)
			},
		},
		&cobra.Command{
			Use:   "set <key> <json>",
			Short: "Store a storage group document",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return storopsCommand.CacheSet(cmd.Context(), args[0], args[1], *f)
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a storage group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return storopsCommand.CacheDelete(cmd.Context(), args[0], *f)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List cached storage group names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return storopsCommand.CacheList(cmd.Context(), *f)
			},
		},
	)
	return cmd
}
