package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/parser"
)

type fetchFlags struct {
	engine  string
	country string
	parse   bool
	timeout time.Duration
}

func (c *cli) fetchCmd() *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one page through the engine fallback chain",
		Long: `Fetch one page and print its HTML to stdout.

With --parse the festival record is printed as JSON instead.`,
		Example: "reelfetch fetch https://filmfreeway.com/festivals --engine browser --parse",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.fetch(commandContext(cmd), cmd.OutOrStdout(), args[0], f)
		},
	}
	cmd.Flags().StringVarP(&f.engine, "engine", "e", "", "engine to try first: http, solver or browser")
	cmd.Flags().StringVar(&f.country, "country", "", "only use proxies from this country code")
	cmd.Flags().BoolVarP(&f.parse, "parse", "p", false, "print the parsed festival record as JSON")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "bound on the whole fallback chain")
	return cmd
}

func (c *cli) fetch(ctx context.Context, out io.Writer, url string, f fetchFlags) error {
	var prefer *engine.Kind
	if f.engine != "" {
		k, err := engine.ParseKind(f.engine)
		if err != nil {
			return err
		}
		prefer = &k
	}

	svc, err := c.buildServices()
	if err != nil {
		return err
	}
	defer svc.Close(c.logger)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req := &engine.FetchRequest{URL: url, Country: f.country}
	var res *engine.FetchResult
	if prefer != nil {
		res, err = svc.dispatcher.FetchWith(ctx, req, *prefer)
	} else {
		res, err = svc.dispatcher.Fetch(ctx, req)
	}
	if err != nil {
		return err
	}
	c.logger.Info("fetched", "url", res.FinalURL, "engine", res.EngineName, "status", res.StatusCode, "bytes", len(res.HTML))

	if !f.parse {
		_, err = io.WriteString(out, res.HTML)
		return err
	}
	festival, err := parser.NewFestivalParser(c.logger).Parse(res.HTML, res.FinalURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", res.FinalURL, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(festival)
}
