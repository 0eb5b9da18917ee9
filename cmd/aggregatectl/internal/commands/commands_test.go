package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/di"
	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
	"github.com/Tofulati/hallpass-sub000/internal/repositories/memory"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

func testConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Driver: config.StorageDriverMemory},
		Aggregation: config.AggregationConfig{
			TriggerThreshold:    100,
			SimilarityThreshold: 0.85,
			GroupingStrategy:    "founder",
			MaxBatchSize:        50,
			LeaseTTL:            time.Minute,
			LeaseWait:           time.Second,
			RunTimeout:          time.Minute,
			DispatchMode:        config.DispatchModeInline,
			Workers:             1,
			QueueSize:           4,
		},
	}
}

func testGlobals(t *testing.T) (*Globals, *bytes.Buffer, *memory.Registry) {
	t.Helper()
	reg := memory.NewRegistry()
	out := &bytes.Buffer{}
	return &Globals{
		Out: out,
		Container: func(ctx context.Context) (*di.Container, error) {
			return di.NewContainer(ctx, testConfig(), di.WithRegistry(reg))
		},
	}, out, reg
}

func seedPending(t *testing.T, reg *memory.Registry, names ...string) {
	t.Helper()
	ctx := context.Background()
	container, err := di.NewContainer(ctx, testConfig(), di.WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	for i, name := range names {
		if _, err := container.Services.Submissions.Submit(ctx, services.SubmitCommand{
			Kind:        domain.KindUniversity,
			UserID:      fmt.Sprintf("seed-%d", i),
			DisplayName: name,
		}); err != nil {
			t.Fatalf("Submit %q: %v", name, err)
		}
	}
}

func TestExecuteCmdPrintsRun(t *testing.T) {
	globals, out, reg := testGlobals(t)
	seedPending(t, reg, "Massachusetts Institute of Technology", "Massachusetts Institute of Technolgy")

	if err := (&ExecuteCmd{Kind: "universities"}).Run(context.Background(), globals); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var view runView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if view.Status != string(domain.AggregationRunSucceeded) || view.Inserted != 1 || view.Deleted != 2 {
		t.Fatalf("unexpected run %+v", view)
	}
}

func TestTriggerCmdWaitsForRun(t *testing.T) {
	globals, out, reg := testGlobals(t)
	seedPending(t, reg, "Caltech")

	if err := (&TriggerCmd{Kind: "university"}).Run(context.Background(), globals); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var view runView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if view.Status != string(domain.AggregationRunSucceeded) || view.Reason != string(domain.AggregationReasonManual) {
		t.Fatalf("unexpected run %+v", view)
	}
}

func TestRunsAndRunCmd(t *testing.T) {
	globals, out, reg := testGlobals(t)
	seedPending(t, reg, "Yale")
	if err := (&ExecuteCmd{Kind: "university"}).Run(context.Background(), globals); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out.Reset()

	if err := (&RunsCmd{Kind: "university", Limit: 5}).Run(context.Background(), globals); err != nil {
		t.Fatalf("runs: %v", err)
	}
	var views []runView
	if err := json.Unmarshal(out.Bytes(), &views); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one run, got %d", len(views))
	}
	out.Reset()

	if err := (&RunCmd{RunID: views[0].ID}).Run(context.Background(), globals); err != nil {
		t.Fatalf("run: %v", err)
	}
	var view runView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil || view.ID != views[0].ID {
		t.Fatalf("unexpected run output %q (%v)", out.String(), err)
	}
}

func TestCommandsRejectUnknownKind(t *testing.T) {
	globals, _, _ := testGlobals(t)
	if err := (&ExecuteCmd{Kind: "dorm"}).Run(context.Background(), globals); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
