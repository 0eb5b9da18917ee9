package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tofulati/hallpass-sub000/internal/di"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

type TriggerCmd struct {
	Kind   string `help:"Entity kind (university, course, organization, professor)" required:""`
	NoWait bool   `help:"Return as soon as the run is queued"`
}

func (c *TriggerCmd) Run(ctx context.Context, globals *Globals) error {
	kind, err := parseKind(c.Kind)
	if err != nil {
		return err
	}
	return globals.open(ctx, func(container *di.Container) error {
		container.Start(ctx)
		ticket, err := container.Services.Aggregation.Trigger(ctx, kind, domain.AggregationReasonManual)
		if err != nil {
			return fmt.Errorf("trigger %s: %w", kind, err)
		}
		if c.NoWait {
			return printJSON(globals.out(), viewRun(ticket.Run))
		}
		outcome, err := ticket.Wait(ctx)
		switch {
		case errors.Is(err, services.ErrRunDetached):
			// Published for cmd/worker; nothing runs here.
			return printJSON(globals.out(), viewRun(ticket.Run))
		case err != nil:
			return err
		}
		if err := printJSON(globals.out(), viewRun(outcome.Run)); err != nil {
			return err
		}
		return outcome.Err
	})
}

type ExecuteCmd struct {
	Kind string `help:"Entity kind (university, course, organization, professor)" required:""`
}

func (c *ExecuteCmd) Run(ctx context.Context, globals *Globals) error {
	kind, err := parseKind(c.Kind)
	if err != nil {
		return err
	}
	return globals.open(ctx, func(container *di.Container) error {
		run, err := container.Services.Aggregation.RunNow(ctx, kind, domain.AggregationReasonManual)
		if run.ID != "" {
			if printErr := printJSON(globals.out(), viewRun(run)); printErr != nil {
				return printErr
			}
		}
		return err
	})
}

type RetryCmd struct {
	RunID  string `arg:"" name:"run-id" help:"Run to retry"`
	NoWait bool   `help:"Return as soon as the retry is queued"`
}

func (c *RetryCmd) Run(ctx context.Context, globals *Globals) error {
	return globals.open(ctx, func(container *di.Container) error {
		container.Start(ctx)
		ticket, err := container.Services.Aggregation.Retry(ctx, c.RunID)
		if err != nil {
			return fmt.Errorf("retry %s: %w", c.RunID, err)
		}
		if c.NoWait {
			return printJSON(globals.out(), viewRun(ticket.Run))
		}
		outcome, err := ticket.Wait(ctx)
		if errors.Is(err, services.ErrRunDetached) {
			return printJSON(globals.out(), viewRun(ticket.Run))
		}
		if err != nil {
			return err
		}
		if err := printJSON(globals.out(), viewRun(outcome.Run)); err != nil {
			return err
		}
		return outcome.Err
	})
}

type RunsCmd struct {
	Kind  string `help:"Only list runs for this kind"`
	Limit int    `help:"Maximum number of runs" default:"20"`
}

func (c *RunsCmd) Run(ctx context.Context, globals *Globals) error {
	filter := services.RunListFilter{Limit: c.Limit}
	if c.Kind != "" {
		kind, err := parseKind(c.Kind)
		if err != nil {
			return err
		}
		filter.Kind = kind
	}
	return globals.open(ctx, func(container *di.Container) error {
		runs, err := container.Services.Aggregation.ListRuns(ctx, filter)
		if err != nil {
			return err
		}
		views := make([]runView, 0, len(runs))
		for _, run := range runs {
			views = append(views, viewRun(run))
		}
		return printJSON(globals.out(), views)
	})
}

type RunCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run to show"`
}

func (c *RunCmd) Run(ctx context.Context, globals *Globals) error {
	return globals.open(ctx, func(container *di.Container) error {
		run, err := container.Services.Aggregation.GetRun(ctx, c.RunID)
		if err != nil {
			return err
		}
		return printJSON(globals.out(), viewRun(run))
	})
}
