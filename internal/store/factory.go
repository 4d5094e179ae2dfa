package store

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Open connects to the configured JetStream server and returns the durable
// store. When the server is unreachable or bucket setup fails, it degrades
// to the in-process store so the daemon keeps accepting incidents; records
// created in degraded mode do not survive a restart.
func Open(cfg config.StoreConfig, logger *logging.Logger) Store {
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		logger.Warn(context.Background(), "NATS unreachable, degrading to in-process store",
			zap.String("url", cfg.NATSURL),
			zap.Error(err))
		return NewMemoryStore(cfg.IncidentTTL, cfg.ApprovalTTL, logger)
	}

	ns, err := NewNATSStore(nc, NATSStoreConfig{
		BucketPrefix: cfg.BucketPrefix,
		IncidentTTL:  cfg.IncidentTTL,
		ApprovalTTL:  cfg.ApprovalTTL,
	}, logger)
	if err != nil {
		nc.Close()
		logger.Warn(context.Background(), "JetStream bucket setup failed, degrading to in-process store",
			zap.Error(err))
		return NewMemoryStore(cfg.IncidentTTL, cfg.ApprovalTTL, logger)
	}

	ns.ownsConn = true
	logger.Info(context.Background(), "incident store connected",
		zap.String("url", cfg.NATSURL),
		zap.String("bucket_prefix", cfg.BucketPrefix))
	return ns
}
