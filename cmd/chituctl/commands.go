package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/config"
)

type rootOptions struct {
	Format    string // "json" | "text"
	newClient func() (vendorAPI, error)
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(clientFromEnv)
}

func newRootCommandWith(newClient func() (vendorAPI, error)) *cobra.Command {
	opts := &rootOptions{newClient: newClient}

	cmd := &cobra.Command{
		Use:   "chituctl",
		Short: "Inspect the Chitu printer API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSignCommand())
	cmd.AddCommand(newMachineCommand(opts))
	cmd.AddCommand(newMachinesCommand(opts))
	cmd.AddCommand(newProductsCommand(opts))
	cmd.AddCommand(newOrdersCommand(opts))
	cmd.AddCommand(newUploadQRCommand(opts))
	return cmd
}

func clientFromEnv() (vendorAPI, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Require("CHITU_APP_ID", "CHITU_APP_SECRET"); err != nil {
		return nil, err
	}
	return chitu.NewClient(cfg.Chitu), nil
}

func newSignCommand() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign key=value...",
		Short: "Print the canonical string and digest for both suffix variants",
		Long: `Compute the request signature offline so it can be compared with what
the vendor expects.

Examples:
  chituctl sign appid=abc device_code=X100 --secret s3cret`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			params, err := parseParams(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, suffix := range []chitu.SignSuffix{chitu.SuffixAccessToken, chitu.SuffixAppSecret} {
				fmt.Fprintf(out, "%s\n  canonical: %s\n  sign:      %s\n",
					suffix, chitu.CanonicalString(params, secret, suffix), chitu.Sign(params, secret, suffix))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "app secret used to sign")
	return cmd
}

// parseParams turns key=value args into request params. Integer-looking
// values stay numeric so they format the way the client sends them.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", a)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			params[k] = n
			continue
		}
		params[k] = v
	}
	return params, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}
