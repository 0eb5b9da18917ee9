package di

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

func memoryConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Driver: config.StorageDriverMemory},
		Aggregation: config.AggregationConfig{
			TriggerThreshold:    2,
			SimilarityThreshold: 0.85,
			GroupingStrategy:    "founder",
			MaxBatchSize:        10,
			LeaseTTL:            time.Minute,
			LeaseWait:           time.Second,
			RunTimeout:          time.Minute,
			DispatchMode:        config.DispatchModeInline,
			Workers:             1,
			QueueSize:           4,
		},
	}
}

func TestNewContainerMemoryDriver(t *testing.T) {
	ctx := context.Background()
	container, err := NewContainer(ctx, memoryConfig(), WithBuildInfo(services.BuildInfo{Version: "test"}))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	if container.PubSub != nil {
		t.Fatalf("expected no pubsub client in inline mode")
	}
	if container.Services.Submissions == nil || container.Services.Directory == nil ||
		container.Services.Aggregation == nil || container.Services.System == nil {
		t.Fatalf("expected all services wired: %+v", container.Services)
	}

	report, err := container.Services.System.HealthReport(ctx)
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "test" {
		t.Fatalf("expected build version, got %q", report.Version)
	}
}

func TestContainerRunsAggregationEndToEnd(t *testing.T) {
	ctx := context.Background()
	container, err := NewContainer(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	for i, name := range []string{"Stanford University", "Stanford Universty"} {
		_, err := container.Services.Submissions.Submit(ctx, services.SubmitCommand{
			Kind:        domain.KindUniversity,
			UserID:      fmt.Sprintf("user-%d", i),
			DisplayName: name,
		})
		if err != nil {
			t.Fatalf("Submit %q: %v", name, err)
		}
	}

	run, err := container.Services.Aggregation.RunNow(ctx, domain.KindUniversity, domain.AggregationReasonManual)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != domain.AggregationRunSucceeded {
		t.Fatalf("expected succeeded run, got %s (%s)", run.Status, run.Error)
	}

	entities, err := container.Services.Directory.ListEntities(ctx, domain.KindUniversity, "")
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(entities) != 1 || entities[0].Kind != domain.KindUniversity {
		t.Fatalf("expected single merged university, got %+v", entities)
	}
}

func TestNewContainerRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "sqlite"
	if _, err := NewContainer(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
