// Package driftsync keeps a target record store in step with a source record
// store.
//
// A replication seeds the target once, either in a single bulk pass or page
// by page with a resumable cursor, and then runs a reconciliation loop. Each
// tick of the loop scans both stores, computes the change set of records
// that are missing from the target or newer on the source, and applies it
// with bounded concurrency. Every record written is reported to an event
// sink, which can forward events to Kafka.
//
// # Quick Start
//
// Replicate a SQLite database into MongoDB:
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/driftsync/internal/engine"
//	    "github.com/ajitpratap0/driftsync/pkg/config"
//	    _ "github.com/ajitpratap0/driftsync/pkg/store/mongo"
//	    _ "github.com/ajitpratap0/driftsync/pkg/store/sqlstore"
//	)
//
//	cfg := config.Default()
//	cfg.Source = config.StoreConfig{Driver: "sqlite", DSN: "file:accounts.db"}
//	cfg.Target = config.StoreConfig{Driver: "mongodb", DSN: "mongodb://localhost:27017"}
//
//	eng, err := engine.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	// seeds, then reconciles until ctx is cancelled or eng.Stop is called
//	err = eng.Run(ctx)
//
// The same replication from the command line:
//
//	driftsync run --source-driver sqlite --source-dsn file:accounts.db \
//	    --target-driver mongodb --target-dsn mongodb://localhost:27017
//
// # Key Packages
//
//	pkg/store           - Record Store interface, backend registry, retry and tracing decorators
//	pkg/store/memory    - In-process store
//	pkg/store/sqlstore  - SQLite and MySQL stores
//	pkg/store/postgres  - PostgreSQL store with JSONB payloads
//	pkg/store/mongo     - MongoDB store
//	pkg/events          - Event sink and Kafka publisher
//	internal/replication - Bulk, paginated and delta synchronizers, reconciliation loop
//	internal/engine     - Assembles a replication from configuration
//	pkg/config          - YAML configuration with DRIFTSYNC_* overrides
//	pkg/logger          - Structured logging
//	pkg/metrics         - Prometheus metrics
//	pkg/observability   - Tracing and the /metrics, /healthz, /status endpoint
//
// # Configuration
//
// Configuration is YAML. ${VAR_NAME} references are replaced with
// environment values, and any key can be overridden by an environment
// variable such as DRIFTSYNC_SYNC_PAGE_SIZE.
package driftsync
