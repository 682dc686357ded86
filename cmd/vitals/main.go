// Command vitals runs the web-vitals beacon ingest service and its helper commands.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jkbrsn/vitals/pkg/config"
	"github.com/rs/zerolog"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `short:"c" help:"Configuration file path." type:"path" env:"VITALS_CONFIG"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." env:"VITALS_LOG_LEVEL"`
	Dev      bool   `help:"Run in development mode." env:"VITALS_DEV"`

	out io.Writer `kong:"-"`
}

// CLI is the command line of the vitals binary.
type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Run the beacon ingest service."`
	CheckHost CheckHostCmd `cmd:"" help:"Show how a page URL is attributed by domain tracking."`
	Catalog   CatalogCmd   `cmd:"" help:"List the menu catalog of the ordering provider."`
	Order     OrderCmd     `cmd:"" help:"Show or accept a delivery order."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.out, version)
	return err
}

// loadConfig loads the configuration file and applies the global flag overrides.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.Dev {
		cfg.Environment = config.EnvDevelopment
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger creates the service logger: JSON in production, human readable in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Development() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "vitals").Logger()
}

func main() {
	cli := CLI{Globals: Globals{out: os.Stdout}}
	ctx := kong.Parse(&cli,
		kong.Name("vitals"),
		kong.Description("Web vitals ingest and domain attribution for the restaurant site."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
