package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Tofulati/hallpass-sub000/internal/di"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
)

// Globals carries flags shared by every command.
type Globals struct {
	EnvFile string
	Debug   bool
	Version string

	// Out receives command output; stdout when nil.
	Out io.Writer
	// Container overrides the container built from configuration.
	Container func(ctx context.Context) (*di.Container, error)
}

func (g *Globals) out() io.Writer {
	if g.Out != nil {
		return g.Out
	}
	return os.Stdout
}

func (g *Globals) logger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if g.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("aggregatectl")
}

// open builds the container and hands it to fn, closing it afterwards.
func (g *Globals) open(ctx context.Context, fn func(*di.Container) error) error {
	build := g.Container
	if build == nil {
		build = func(ctx context.Context) (*di.Container, error) {
			cfg, err := config.Load(ctx, config.WithEnvFile(g.EnvFile))
			if err != nil {
				return nil, fmt.Errorf("load configuration: %w", err)
			}
			return di.NewContainer(ctx, cfg, di.WithLogger(g.logger()))
		}
	}
	container, err := build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = container.Close(closeCtx)
	}()
	return fn(container)
}

type runView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	Attempt      int        `json:"attempt"`
	RetryOf      string     `json:"retryOf,omitempty"`
	PendingCount int        `json:"pendingCount"`
	Groups       int        `json:"groups"`
	Inserted     int        `json:"inserted"`
	Deleted      int        `json:"deleted"`
	Linked       int        `json:"linked"`
	Duplicates   int        `json:"duplicates"`
	Dropped      int        `json:"dropped"`
	Error        string     `json:"error,omitempty"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func viewRun(run domain.AggregationRun) runView {
	return runView{
		ID:           run.ID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		Reason:       string(run.Reason),
		Attempt:      run.Attempt,
		RetryOf:      run.RetryOf,
		PendingCount: run.PendingCount,
		Groups:       run.Groups,
		Inserted:     run.Inserted,
		Deleted:      run.Deleted,
		Linked:       run.Linked,
		Duplicates:   run.Duplicates,
		Dropped:      run.Dropped,
		Error:        run.Error,
		QueuedAt:     run.QueuedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func parseKind(value string) (domain.EntityKind, error) {
	kind, ok := domain.ParseEntityKind(value)
	if !ok {
		return "", fmt.Errorf("unknown kind %q", value)
	}
	return kind, nil
}
