package storage

// Package storage persists the orchestrator's durable state:
//
//   - account records (identity, health state, cooldown, usage counters)
//   - target records (channels/messages with boost aggregates)
//   - operation records (the retry queue's source of truth across restarts)
//   - an append-only outcome log (one entry per attempt)
