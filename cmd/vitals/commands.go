package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jkbrsn/vitals"
	"github.com/jkbrsn/vitals/pkg/config"
	"github.com/jkbrsn/vitals/pkg/orders"
	"github.com/rs/zerolog"
)

const commandTimeout = 30 * time.Second

// CheckHostCmd prints the domain attribution of a page URL.
type CheckHostCmd struct {
	URL string `arg:"" help:"Page URL, e.g. https://chunnthai.web.app/menu."`
}

// Run prints whether the URL is served from an alternate domain and its canonical location.
func (c *CheckHostCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	hc, err := vitals.NewHostingContext(c.URL, "")
	if err != nil {
		return err
	}
	tracker, err := vitals.NewDomainTracker(cfg.Analytics.MeasurementID,
		vitals.WithCanonicalHost(cfg.Domains.Canonical),
		vitals.WithAlternateHosts(cfg.Domains.Alternates...),
	)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "hostname:\t%s\n", hc.Hostname)
	fmt.Fprintf(w, "alternate:\t%t\n", tracker.IsAlternate(hc.Hostname))
	fmt.Fprintf(w, "path:\t%s\n", hc.Pathname)
	fmt.Fprintf(w, "canonical:\t%s\n", tracker.CanonicalURL(hc.Href))
	return w.Flush()
}

// OrdersFlags are the flags shared by the order provider commands.
type OrdersFlags struct {
	Token string `help:"Bearer token of the provider." env:"VITALS_ORDERS_TOKEN"`
}

func (f OrdersFlags) options(g *Globals, cfg *config.Config) ([]orders.ClientOption, error) {
	policy, err := cfg.Outbound.DNS.Policy()
	if err != nil {
		return nil, fmt.Errorf("outbound dns: %w", err)
	}
	opts := []orders.ClientOption{
		orders.WithDNSPolicy(policy),
		orders.WithTimeouts(cfg.Outbound.Timeouts.Timeouts()),
	}
	if f.Token != "" {
		opts = append(opts, orders.WithHeader("Authorization", "Bearer "+f.Token))
	}
	if g.LogLevel == "debug" || g.LogLevel == "trace" {
		opts = append(opts, orders.WithLogger(zerolog.New(zerolog.ConsoleWriter{Out: g.out}).Level(zerolog.DebugLevel)))
	}
	return opts, nil
}

// CatalogCmd lists the menu catalog.
type CatalogCmd struct {
	OrdersFlags
	Types string `help:"Comma separated catalog object types." default:"ITEM"`
}

// Run lists every page of the catalog.
func (c *CatalogCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Orders.CatalogURL == "" {
		return errors.New("orders.catalog_url is not configured")
	}
	opts, err := c.options(g, cfg)
	if err != nil {
		return err
	}
	client, err := orders.NewCatalogClient(cfg.Orders.CatalogURL, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	w := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tPRICE")
	cursor := ""
	for {
		items, next, err := client.ListCatalog(ctx, c.Types, cursor)
		if err != nil {
			return err
		}
		for _, item := range items {
			price := "-"
			if item.Price != nil {
				price = fmt.Sprintf("%d.%02d %s", item.Price.Amount/100, item.Price.Amount%100, item.Price.Currency)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.Type, item.Name, price)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return w.Flush()
}

// OrderCmd shows a delivery order, optionally accepting it first.
type OrderCmd struct {
	OrdersFlags
	ID     string `arg:"" help:"Order ID."`
	Accept bool   `help:"Accept the order before showing it."`
	Pickup int    `help:"Minutes until pickup, sent when accepting." default:"20"`
}

// Run accepts the order when asked to and prints it.
func (c *OrderCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Orders.DeliveryURL == "" {
		return errors.New("orders.delivery_url is not configured")
	}
	opts, err := c.options(g, cfg)
	if err != nil {
		return err
	}
	client, err := orders.NewDeliveryClient(cfg.Orders.DeliveryURL, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if c.Accept {
		if err := client.AcceptOrder(ctx, c.ID, orders.AcceptRequest{PickupInMinutes: c.Pickup}); err != nil {
			return fmt.Errorf("accept order: %w", err)
		}
	}
	order, err := client.GetOrder(ctx, c.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "order:\t%s\n", order.ID)
	fmt.Fprintf(w, "state:\t%s\n", order.State)
	fmt.Fprintf(w, "placed:\t%s\n", order.PlacedAt.Format(time.RFC3339))
	for _, item := range order.Items {
		fmt.Fprintf(w, "  %dx\t%s\n", item.Quantity, item.Name)
	}
	return w.Flush()
}
