package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/reelfetch/proxypool"
)

func (c *cli) proxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Manage the proxy registry",
	}
	cmd.AddCommand(
		c.proxiesListCmd(),
		c.proxiesImportCmd(),
		c.proxiesProbeCmd(),
		c.proxiesBanCmd(),
		c.proxiesKeyCmd("unban", "Lift a ban and reset the failure count", (*proxypool.Pool).Unban),
		c.proxiesKeyCmd("remove", "Remove a proxy from the registry", (*proxypool.Pool).Remove),
	)
	return cmd
}

// withPool opens the registry, runs fn and persists the result.
func (c *cli) withPool(fn func(p *proxypool.Pool) error) error {
	pool, err := c.openPool()
	if err != nil {
		return err
	}
	if err := fn(pool); err != nil {
		_ = pool.Close()
		return err
	}
	return pool.Close()
}

func (c *cli) proxiesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered proxies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPool(func(p *proxypool.Pool) error {
				return printProxies(cmd.OutOrStdout(), p.List(), p.Stats(), time.Now())
			})
		},
	}
}

func printProxies(w io.Writer, list []proxypool.Proxy, stats proxypool.Stats, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY\tPROTOCOL\tCOUNTRY\tOK\tFAIL\tRATE\tSTATUS")
	for _, px := range list {
		status := "ok"
		if px.IsBanned(now) {
			status = "banned " + px.BannedUntil.Sub(now).Round(time.Second).String()
		}
		country := px.Country
		if country == "" {
			country = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.0f%%\t%s\n",
			px.Key(), px.Protocol, country, px.SuccessCount, px.FailCount, px.SuccessRate()*100, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d total, %d available, %d banned\n", stats.Total, stats.Available, stats.Banned)
	return err
}

func (c *cli) proxiesImportCmd() *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "import <file|url>",
		Short: "Add proxies from a host:port[:user:pass] list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			return c.withPool(func(p *proxypool.Pool) error {
				var (
					added int
					err   error
				)
				if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
					added, err = p.ImportURL(commandContext(cmd), src, protocol)
				} else {
					added, err = p.ImportFile(src, protocol)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d new proxies (%d total)\n", added, p.Len())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", proxypool.ProtocolHTTP, "protocol for entries without a scheme")
	return cmd
}

func (c *cli) proxiesProbeCmd() *cobra.Command {
	var (
		banFailed   bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check every proxy against the probe URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency <= 0 {
				concurrency = c.cfg.Pool.ProbeConcurrency
			}
			return c.withPool(func(p *proxypool.Pool) error {
				results := p.ProbeAll(commandContext(cmd), concurrency, banFailed)
				keys := make([]string, 0, len(results))
				for k := range results {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				out := cmd.OutOrStdout()
				healthy := 0
				for _, k := range keys {
					state := "FAIL"
					if results[k] {
						state = "OK"
						healthy++
					}
					fmt.Fprintf(out, "%-4s %s\n", state, k)
				}
				_, err := fmt.Fprintf(out, "%d/%d healthy\n", healthy, len(keys))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&banFailed, "ban-failed", false, "ban proxies that fail the probe")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel probes (default from config)")
	return cmd
}

func (c *cli) proxiesBanCmd() *cobra.Command {
	var d time.Duration
	cmd := &cobra.Command{
		Use:   "ban <host:port>",
		Short: "Ban a proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPool(func(p *proxypool.Pool) error {
				return p.Ban(args[0], d)
			})
		},
	}
	cmd.Flags().DurationVar(&d, "for", 0, "ban length (default pool.ban_time)")
	return cmd
}

func (c *cli) proxiesKeyCmd(use, short string, op func(*proxypool.Pool, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <host:port>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPool(func(p *proxypool.Pool) error {
				return op(p, args[0])
			})
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
