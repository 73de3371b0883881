// Package feedercore is the backend core for a connected pet feeder:
// it consumes raw device telemetry from a NATS bus, correlates readings
// with device identity, tracks dispensing sessions, and derives alerts.
//
// # Architecture
//
// The core sits between the feeder firmware and any user-facing surface
// (mobile app, web dashboard), both of which talk to the same bus:
//
//	┌──────────┐   feeder.*    ┌─────────────────────────┐
//	│ Firmware │ ────────────► │        Pipeline          │  topic dispatch,
//	│ (ESP32)  │ ◄──────────── │  (telemetry package)     │  value parsing
//	└──────────┘ feeder.comando└───────────┬─────────────┘
//	                                       │
//	                  ┌────────────────────┼────────────────────┐
//	                  ▼                    ▼                    ▼
//	          ┌─────────────┐      ┌──────────────┐     ┌─────────────┐
//	          │   Device    │      │   Session    │     │    Alert    │
//	          │  Resolver   │      │   Machine    │     │   Emitter   │
//	          │  + Store    │      │  + Sweeper   │     │  + Store    │
//	          └──────┬──────┘      └──────┬───────┘     └──────┬──────┘
//	                 │                    │                    │
//	                 └────────────────────┼────────────────────┘
//	                                      ▼
//	                         ┌─────────────────────────┐
//	                         │   JetStream KV buckets   │
//	                         │ devices/sessions/alerts  │
//	                         └─────────────────────────┘
//
// The bus and the document store are separate NATS connections managed
// by the supervisor package, so an outage of one never takes down the
// other. While the store is unreachable incoming telemetry is dropped;
// while the bus is unreachable the process waits and re-subscribes on
// reconnect.
//
// # Telemetry model
//
// The firmware publishes each reading on its own subject under a common
// root (feeder.peso, feeder.servo, feeder.mac, ...). Readings carry no
// device identifier: the device announces its MAC on a dedicated
// subject and every other reading is attributed to the most recently
// announced device, falling back to the most recently active one known
// to the store. Payloads are loosely typed (bare numbers, sometimes
// quoted) and are parsed permissively.
//
// # Sessions
//
// A dispensing session opens when the valve reports "abierto" (sensor
// trigger) or when a dispense command is observed (operator trigger).
// Completion is driven purely by weight: the session closes once the
// bowl gains the configured delta over its initial weight. Sessions
// that never complete are abandoned by a periodic sweeper. One session
// per device at a time; dispensations are never queued.
//
// # Packages
//
// Domain:
//   - device: device documents, single-field upserts, identity resolution
//   - session: session state, store, and the state machine + sweeper
//   - alert: alert records, threshold edge detection, cooldown
//   - command: dispense command payloads and publishing
//   - telemetry: bus subscription and per-topic message handling
//
// Infrastructure:
//   - supervisor: dual NATS connections, bucket provisioning, reconnect fan-out
//   - natsclient: NATS connection management with circuit breaker
//   - storage: KV abstraction over JetStream KV, in-memory KV for tests
//   - config: JSON/YAML configuration loading and validation
//   - metric: Prometheus metrics
//   - errors: structured error classification
//   - pkg/retry: retry policies with exponential backoff
//
// # Binary
//
// cmd/feedercore wires everything together:
//
//	./bin/feedercore --config configs/feedercore.json
package feedercore
