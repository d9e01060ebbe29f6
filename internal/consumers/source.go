// Package consumers resolves the set of consumer endpoints a run fans out to.
package consumers

import (
	"context"
	"fmt"
	"os"

	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
)

// Env reads a pipe-delimited URL list from an environment variable on every
// call, so edits to the variable take effect on the next run.
type Env struct {
	Key string
}

func (e Env) Endpoints(context.Context) ([]delivery.Endpoint, error) {
	key := e.Key
	if key == "" {
		key = config.ConsumersEnv
	}
	return config.ParseConsumers(os.Getenv(key))
}

// Static is a fixed endpoint list
type Static []delivery.Endpoint

func (s Static) Endpoints(context.Context) ([]delivery.Endpoint, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: no consumers configured", delivery.ErrConfiguration)
	}
	out := make([]delivery.Endpoint, len(s))
	copy(out, s)
	return out, nil
}

type source interface {
	Endpoints(ctx context.Context) ([]delivery.Endpoint, error)
}

type banLookup interface {
	Banned(ctx context.Context) (map[string]bool, error)
}

// Filtered drops banned consumers from an inner source.
type Filtered struct {
	inner  source
	bans   banLookup
	logger *logging.Logger
}

func NewFiltered(inner source, bans banLookup, logger *logging.Logger) *Filtered {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Filtered{inner: inner, bans: bans, logger: logger}
}

// Endpoints returns the inner list minus banned consumers. When the ban list
// cannot be read the full list is returned. Filtering every consumer out is a
// configuration error.
func (f *Filtered) Endpoints(ctx context.Context) ([]delivery.Endpoint, error) {
	eps, err := f.inner.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	banned, err := f.bans.Banned(ctx)
	if err != nil {
		f.logger.WithContext(ctx).WithError(err).Warn("ban list unavailable, using every consumer")
		return eps, nil
	}

	out := make([]delivery.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if banned[ep.URL] {
			f.logger.WithContext(ctx).WithConsumer(ep.URL).Debug("skipping banned consumer")
			continue
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: all %d consumers are banned", delivery.ErrConfiguration, len(eps))
	}
	return out, nil
}
