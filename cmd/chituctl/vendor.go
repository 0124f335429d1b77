package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/casefab/internal/chitu"
)

type vendorAPI interface {
	MachineList(ctx context.Context, page, limit int) ([]chitu.Machine, error)
	MachineByCode(ctx context.Context, code string) (*chitu.Machine, error)
	MachineByID(ctx context.Context, encryptedID string) (*chitu.Machine, error)
	Products(ctx context.Context, machineID string, typ chitu.ProductType) ([]chitu.Product, error)
	Orders(ctx context.Context, machineID string, page, limit int) ([]chitu.VendorOrder, error)
	UploadQRCode(ctx context.Context, machineID, filename string, content []byte) error
}

const callTimeout = 30 * time.Second

func newMachineCommand(opts *rootOptions) *cobra.Command {
	var byID bool
	cmd := &cobra.Command{
		Use:   "machine <device-code>",
		Short: "Look up a machine by the code printed on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			lookup := c.MachineByCode
			if byID {
				lookup = c.MachineByID
			}
			m, err := lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("machine %q not found", args[0])
			}
			return printMachines(cmd, opts, []chitu.Machine{*m})
		},
	}
	cmd.Flags().BoolVar(&byID, "id", false, "treat the argument as an encrypted machine id")
	return cmd
}

func newMachinesCommand(opts *rootOptions) *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List machines visible to the app id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			ms, err := c.MachineList(ctx, page, limit)
			if err != nil {
				return err
			}
			return printMachines(cmd, opts, ms)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func printMachines(cmd *cobra.Command, opts *rootOptions, ms []chitu.Machine) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), ms)
	}
	tw := newTable(cmd.OutOrStdout(), "ID", "CODE", "NAME", "STATUS")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.DeviceCode, m.Name, m.Status)
	}
	return tw.Flush()
}

func newProductsCommand(opts *rootOptions) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "products <machine-id>",
		Short: "List a machine's catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := chitu.ParseProductType(typ)
			if err != nil {
				return err
			}
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			ps, err := c.Products(ctx, args[0], pt)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), ps)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "PRICE", "MODEL")
			for _, p := range ps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Price, p.PhoneModel)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&typ, "type", "default", "catalog type (default|diy)")
	return cmd
}

func newOrdersCommand(opts *rootOptions) *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "orders <machine-id>",
		Short: "List recent vendor orders for a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			list, err := c.Orders(ctx, args[0], page, limit)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "ORDER", "OUT_TRADE_NO", "STATUS", "PAY", "CREATED")
			for _, o := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.OrderID, o.OutTradeNo, o.Status, o.PayType, o.CreatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func newUploadQRCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-qr <machine-id> <image>",
		Short: "Replace the payment QR code shown on a machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			if err := c.UploadQRCode(ctx, args[0], filepath.Base(args[1]), content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s\n", filepath.Base(args[1]), args[0])
			return nil
		},
	}
}
