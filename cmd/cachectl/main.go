// Command cachectl inspects and maintains the partitions of an offline cache
// store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentuity/offline-cache/config"
	"github.com/agentuity/offline-cache/logger"
	"github.com/agentuity/offline-cache/store"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
)

const configEnv = "OFFLINECACHE_CONFIG"

var errCorruptionFound = errors.New("corrupted partitions were reset")

// flagOrEnv returns the flag value, then the environment value, then def.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok && v != "" {
		return v
	}
	return def
}

type app struct {
	cfg     *config.Config
	log     logger.Logger
	backend store.Backend
}

func open(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(flagOrEnv(cmd, "config", configEnv, ""))
	if err != nil {
		return nil, err
	}
	level := cfg.Level()
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = logger.ParseLevel(v, level)
	}
	log := cfg.NewLogger(level).WithPrefix("[cachectl]")
	b, err := cfg.OpenBackend(cmd.Context(), store.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, backend: b}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}

func (a *app) store(partition string) *store.Store[msgpack.RawMessage] {
	return store.New[msgpack.RawMessage](a.backend, partition, store.WithLogger(a.log))
}

// run wraps a subcommand body with config loading and backend lifecycle.
func run(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func partitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List partitions with their entry count and policy",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			stored, err := a.backend.Partitions(cmd.Context())
			if err != nil {
				return err
			}
			policies, err := a.cfg.Policies()
			if err != nil {
				return err
			}
			names := map[string]bool{}
			for _, p := range stored {
				names[p] = true
			}
			for p := range policies {
				names[p] = true
			}
			sorted := make([]string, 0, len(names))
			for p := range names {
				sorted = append(sorted, p)
			}
			sort.Strings(sorted)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tENTRIES\tPOLICY")
			for _, p := range sorted {
				count := "0"
				if contains(stored, p) {
					st, err := a.store(p).Read(cmd.Context())
					switch {
					case errors.Is(err, store.ErrCorruption):
						count = "corrupt"
					case err != nil:
						return err
					default:
						count = fmt.Sprint(len(st))
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p, count, policies.Get(p))
			}
			return w.Flush()
		}),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func inspectCmd() *cobra.Command {
	var offline, values bool
	cmd := &cobra.Command{
		Use:   "inspect <partition>",
		Short: "Show each entry's age and whether it would be served",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			partition := args[0]
			policies, err := a.cfg.Policies()
			if err != nil {
				return err
			}
			policy := policies.Get(partition)
			st, err := a.store(partition).Read(cmd.Context())
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(st))
			for id := range st {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			now := time.Now().UnixMilli()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := "ID\tAGE\tSTALE"
			if values {
				header += "\tVALUE"
			}
			fmt.Fprintln(w, header)
			for _, id := range ids {
				e := st[id]
				age := time.Duration(now-e.LastUpdatedMs) * time.Millisecond
				stale := policy.IsStale(e.LastUpdatedMs, now, !offline)
				fmt.Fprintf(w, "%s\t%s\t%t", id, age.Truncate(time.Second), stale)
				if values {
					var v interface{}
					if err := msgpack.Unmarshal(e.Value, &v); err != nil {
						fmt.Fprintf(w, "\t<%v>", err)
					} else {
						fmt.Fprintf(w, "\t%v", v)
					}
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%d entries, policy %s\n", len(ids), policy)
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "evaluate staleness as if offline")
	cmd.Flags().BoolVar(&values, "values", false, "print decoded values")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Decode every partition, resetting any that are corrupted",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			partitions, err := a.backend.Partitions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var corrupted int
			for _, p := range partitions {
				st, err := a.store(p).Read(cmd.Context())
				switch {
				case errors.Is(err, store.ErrCorruption):
					corrupted++
					fmt.Fprintf(out, "%s: corrupted, reset (%v)\n", p, err)
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "%s: ok (%d entries)\n", p, len(st))
				}
			}
			if corrupted > 0 {
				return errors.Wrapf(errCorruptionFound, "%d of %d", corrupted, len(partitions))
			}
			return nil
		}),
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <partition>",
		Short: "Remove every entry of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.store(args[0]).Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		}),
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print partitions as other processes change them (file backend only)",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			if a.cfg.Store.Backend != config.BackendFile {
				return errors.Newf("watch requires the file backend, not %s", a.cfg.Store.Backend)
			}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			return store.WatchFile(cmd.Context(), a.cfg.Store.Path, func(partition string) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "%s %s changed\n", time.Now().Format(time.RFC3339), partition)
			}, store.WithLogger(a.log))
		}),
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and maintain offline cache partitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (env "+configEnv+")")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.SetOut(out)
	root.AddCommand(partitionsCmd(), inspectCmd(), verifyCmd(), clearCmd(), watchCmd())
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
