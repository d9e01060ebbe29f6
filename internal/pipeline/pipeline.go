// Package pipeline assembles the orchestrator and its collaborators from
// configuration. The worker and egressctl share it.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_egress/internal/activity"
	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/consumers"
	"github.com/austindbirch/harbor_egress/internal/db"
	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/dispatch"
	"github.com/austindbirch/harbor_egress/internal/journal"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/orchestrator"
	"github.com/austindbirch/harbor_egress/internal/sink"
	"github.com/austindbirch/harbor_egress/internal/store"
	"github.com/austindbirch/harbor_egress/internal/substrate"
)

type Options struct {
	Logger *logging.Logger
	// DLQ receives dead letters for exhausted branches; nil disables them
	DLQ sink.Publisher
	// Source overrides the CONSUMERS environment source
	Source orchestrator.EndpointSource
}

type Pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	Fetcher      *store.Fetcher
	Dispatcher   *dispatch.Dispatcher
	Pool         *pgxpool.Pool      // nil unless DB_ENABLED
	Bans         *consumers.BanList // nil unless DB_ENABLED

	logger *logging.Logger
}

// Build validates cfg and wires a ready orchestrator. With DB_ENABLED it
// migrates and connects Postgres for the checkpoint journal and ban list.
func Build(ctx context.Context, cfg config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	p := &Pipeline{logger: logger}
	p.Fetcher = store.New(store.Options{
		Endpoint:          cfg.DocStore.Endpoint,
		Key:               cfg.DocStore.Key,
		Username:          cfg.DocStore.Username,
		Database:          cfg.DocStore.Database,
		Collection:        cfg.DocStore.Collection,
		PartitionKeyField: cfg.DocStore.PartitionKeyField,
		ConnectTimeout:    cfg.DocStore.ConnectTimeout,
	})
	p.Dispatcher = dispatch.New(dispatch.Options{
		Timeout:   cfg.Worker.PushTimeout,
		RateLimit: cfg.Worker.PushRateLimit,
	})

	substrateOpts := []substrate.Option{substrate.WithLogger(logger)}
	if cfg.DB.Enabled {
		if err := db.Migrate(cfg.DSN()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", delivery.ErrStoreUnavailable, err)
		}
		p.Pool = pool
		p.Bans = consumers.NewBanList(pool, cfg.Worker.BanFailedConsumers, logger)
		substrateOpts = append(substrateOpts, substrate.WithJournal(journal.NewPostgres(pool)))
	}

	deliver := activity.New(p.Fetcher, p.newSession, logger)
	local := substrate.NewLocal(substrateOpts...)
	local.Register(activity.Name, deliver.Deliver)

	source := opts.Source
	if source == nil {
		source = consumers.Env{Key: config.ConsumersEnv}
	}
	p.Orchestrator = orchestrator.New(
		newSource(source, p.Bans, logger),
		local,
		orchestrator.WithSink(newSinks(logger, p.Bans, cfg.Worker.BanFailedConsumers, opts.DLQ, cfg.NSQ.DLQTopic)),
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithLogger(logger),
	)
	return p, nil
}

func (p *Pipeline) newSession(task delivery.Task) activity.Pusher {
	return p.Dispatcher.NewSession(task.RunID)
}

// Close disconnects the document store and the database pool
func (p *Pipeline) Close(ctx context.Context) {
	if err := p.Fetcher.Close(ctx); err != nil {
		p.logger.Plain().WithError(err).Warn("document store disconnect failed")
	}
	if p.Pool != nil {
		p.Pool.Close()
	}
}

func newSource(inner orchestrator.EndpointSource, bans *consumers.BanList, logger *logging.Logger) orchestrator.EndpointSource {
	if bans == nil {
		return inner
	}
	return consumers.NewFiltered(inner, bans, logger)
}

func newSinks(logger *logging.Logger, bans *consumers.BanList, banFailed bool, dlq sink.Publisher, dlqTopic string) sink.Multi {
	sinks := sink.Multi{sink.NewLog(logger)}
	if bans != nil && banFailed {
		sinks = append(sinks, bans)
	}
	if dlq != nil {
		sinks = append(sinks, sink.NewDeadLetter(dlq, dlqTopic, logger))
	}
	return sinks
}
