package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/Tofulati/hallpass-sub000/cmd/aggregatectl/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Trigger commands.TriggerCmd `cmd:"" help:"Queue an aggregation run for a kind and wait for it"`
		Execute commands.ExecuteCmd `cmd:"" help:"Run the aggregation pipeline for a kind in this process"`
		Retry   commands.RetryCmd   `cmd:"" help:"Re-queue a failed or skipped run"`
		Runs    commands.RunsCmd    `cmd:"" help:"List recent aggregation runs"`
		Run     commands.RunCmd     `cmd:"" help:"Show one aggregation run"`
		EnvFile string              `help:"Path to a .env file with overrides" type:"path" default:".env"`
		Debug   bool                `help:"Enable debug logging."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("aggregatectl"),
		kong.Description("Operate the request aggregation pipeline."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{EnvFile: cli.EnvFile, Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
