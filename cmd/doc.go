// Package cmd implements the orchestrator CLI.
//
// Architecture overview:
//   - serve: runs the HTTP surface (health, readiness, metrics, completion webhook), the scheduler that owns the
//     fast tick (Dispatcher then Barrier Monitor) and the slow tick (Assembler), and any configured push consumer
//     (Pub/Sub subscription or SQS queue). Everything shares one Task Store; ticks coordinate only through
//     conditional per-task and per-flag updates.
//   - submit: development intake. Creates a Batch whose Url-Tasks all start waiting.
//   - batch status / batch requeue: read a Batch back, or reset the failed tasks of a flagged Batch that has not
//     passed the barrier.
//   - artifacts list / artifacts delete: inspect and prune published artifacts in the configured blob store.
//
// Quick checklist:
//   - Configure via a YAML file (--config) or ORCHESTRATOR_* env vars, e.g. ORCHESTRATOR_STORE_BACKEND=postgres,
//     ORCHESTRATOR_STORE_POSTGRES_DSN, ORCHESTRATOR_STORAGE_BACKEND=gcs, ORCHESTRATOR_EXTRACTION_BASE_URL.
//   - Only one scheduler should run against a store unless scheduler.lease is redis.
package cmd
