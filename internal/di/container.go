package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Tofulati/hallpass-sub000/internal/aggregation"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
	pfirestore "github.com/Tofulati/hallpass-sub000/internal/platform/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/platform/jobs"
	"github.com/Tofulati/hallpass-sub000/internal/platform/observability"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
	firestoreRepo "github.com/Tofulati/hallpass-sub000/internal/repositories/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/repositories/memory"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Submissions services.SubmissionService
	Directory   services.DirectoryService
	Aggregation services.AggregationDispatcher
	System      services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Pipeline     *aggregation.Pipeline
	Dispatcher   *services.Dispatcher
	Services     Services
	// PubSub is set when aggregation jobs are dispatched over Pub/Sub.
	PubSub *pubsub.Client

	logger *zap.Logger
}

type containerOptions struct {
	registry  repositories.Registry
	publisher services.AggregationJobPublisher
	logger    *zap.Logger
	build     services.BuildInfo
	clock     func() time.Time
}

// Option customises container construction.
type Option func(*containerOptions)

// WithRegistry supplies a prebuilt repository registry instead of the configured driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) {
		o.registry = reg
	}
}

// WithJobPublisher supplies the aggregation job publisher used in pubsub mode.
func WithJobPublisher(publisher services.AggregationJobPublisher) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
	}
}

// WithLogger sets the base logger; components log through named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the metadata reported by health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithClock overrides the time source shared by services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory
// registries through WithRegistry.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := containerOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg, logger: o.logger}

	publisher := o.publisher
	if cfg.Aggregation.DispatchMode == config.DispatchModePubSub && publisher == nil {
		client, err := newPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.PubSub = client
		topicPublisher, err := jobs.NewPubSubAggregationPublisher(client.Topic(cfg.PubSub.AggregationTopic))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("build aggregation publisher: %w", err)
		}
		publisher = topicPublisher
	}

	reg := o.registry
	if reg == nil {
		built, err := c.buildRegistry(cfg)
		if err != nil {
			_ = c.closePubSub()
			return nil, err
		}
		reg = built
	}
	c.Repositories = reg

	if err := c.buildServices(cfg, o, publisher); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) buildRegistry(cfg config.Config) (repositories.Registry, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		c.logger.Warn("using in-memory storage; state is lost on exit")
		return memory.NewRegistry(memory.WithMaxBatchSize(cfg.Aggregation.MaxBatchSize)), nil
	case config.StorageDriverFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore)
		var checks []repositories.DependencyCheck
		if c.PubSub != nil {
			topic := c.PubSub.Topic(cfg.PubSub.AggregationTopic)
			checks = append(checks, repositories.DependencyCheck{
				Name:    "pubsub",
				Timeout: 2 * time.Second,
				Check: func(ctx context.Context) error {
					ok, err := topic.Exists(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("topic %s does not exist", topic.ID())
					}
					return nil
				},
			})
		}
		reg, err := firestoreRepo.NewRegistry(provider, checks...)
		if err != nil {
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func (c *Container) buildServices(cfg config.Config, o containerOptions, publisher services.AggregationJobPublisher) error {
	reg := c.Repositories
	strategy, err := aggregation.ParseGroupingStrategy(cfg.Aggregation.GroupingStrategy)
	if err != nil {
		return err
	}
	pipeline, err := aggregation.New(reg.Documents(),
		aggregation.WithGrouping(aggregation.GroupOptions{Threshold: cfg.Aggregation.SimilarityThreshold, Strategy: strategy}),
		aggregation.WithMaxBatchSize(cfg.Aggregation.MaxBatchSize),
		aggregation.WithClock(o.clock),
		aggregation.WithLogger(c.logger.Named("aggregation")),
	)
	if err != nil {
		return fmt.Errorf("build aggregation pipeline: %w", err)
	}
	c.Pipeline = pipeline

	dispatcher, err := services.NewAggregationDispatcher(services.AggregationDispatcherDeps{
		Runs:       reg.AggregationRuns(),
		Locks:      reg.AggregationLocks(),
		Runner:     pipeline,
		Publisher:  publisher,
		Mode:       cfg.Aggregation.DispatchMode,
		Workers:    cfg.Aggregation.Workers,
		QueueSize:  cfg.Aggregation.QueueSize,
		LeaseTTL:   cfg.Aggregation.LeaseTTL,
		LeaseWait:  cfg.Aggregation.LeaseWait,
		RunTimeout: cfg.Aggregation.RunTimeout,
		Clock:      o.clock,
		Logger:     observability.EventLogger(c.logger.Named("dispatcher")),
	})
	if err != nil {
		return fmt.Errorf("build aggregation dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher
	c.Services.Aggregation = dispatcher

	submissions, err := services.NewSubmissionService(services.SubmissionServiceDeps{
		Documents:            reg.Documents(),
		Trigger:              dispatcher,
		Threshold:            cfg.Aggregation.TriggerThreshold,
		SubmissionsPerMinute: cfg.RateLimits.SubmissionsPerMinute,
		Clock:                o.clock,
		Logger:               observability.EventLogger(c.logger.Named("submissions")),
	})
	if err != nil {
		return fmt.Errorf("build submission service: %w", err)
	}
	c.Services.Submissions = submissions

	directory, err := services.NewDirectoryService(services.DirectoryServiceDeps{
		Documents: reg.Documents(),
		Linker:    pipeline.Committer(),
		Clock:     o.clock,
		Logger:    observability.EventLogger(c.logger.Named("directory")),
	})
	if err != nil {
		return fmt.Errorf("build directory service: %w", err)
	}
	c.Services.Directory = directory

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Runs:             reg.AggregationRuns(),
		Clock:            o.clock,
		Build:            o.build,
	})
	if err != nil {
		return fmt.Errorf("build system service: %w", err)
	}
	c.Services.System = system
	return nil
}

// Start launches in-process aggregation workers when running in inline mode.
func (c *Container) Start(ctx context.Context) {
	if c == nil || c.Dispatcher == nil {
		return
	}
	c.Dispatcher.Start(ctx)
}

// Close drains the dispatcher and releases repository and Pub/Sub clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Dispatcher != nil {
		if err := c.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if err := c.closePubSub(); err != nil {
		errs = append(errs, fmt.Errorf("close pubsub: %w", err))
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Container) closePubSub() error {
	if c.PubSub == nil {
		return nil
	}
	client := c.PubSub
	c.PubSub = nil
	return client.Close()
}

func newPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return pubsub.NewClient(ctx, cfg.ProjectID, opts...)
}
