package bucketkey

import (
	"pkt.systems/pslog"

	"pkt.systems/bucketkey/internal/storage"
)

// Option configures a Handler.
type Option func(*handlerOptions)

type handlerOptions struct {
	logger pslog.Logger
	store  storage.ObjectStore
	dryRun bool
}

// WithLogger sets the base logger. Defaults to a noop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithStore injects an object store instead of opening Config.Store.
func WithStore(store storage.ObjectStore) Option {
	return func(o *handlerOptions) {
		o.store = store
	}
}

// WithDryRun reports eligibility without copying, regardless of Config.DryRun.
func WithDryRun() Option {
	return func(o *handlerOptions) {
		o.dryRun = true
	}
}
