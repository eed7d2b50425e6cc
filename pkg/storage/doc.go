/*
Package storage persists analytics events, daily snapshots, and push
baselines.

BoltStore is the embedded single-node backend. Each kind of record lives in
its own bucket and is stored as JSON:

	┌──────────── <dataDir>/pulse.db ────────────┐
	│ events     occurredAt(8 bytes BE) + id     │
	│ snapshots  "2006-01-02|<entity>"           │
	│ baselines  <businessID>                    │
	└────────────────────────────────────────────┘

Event keys sort by occurrence time, so a time-range query is a cursor walk
from the end of the range backwards and yields most-recent-first results.
Snapshot keys sort by date, so retention cleanup deletes a key prefix range.

CreateDailySnapshots is idempotent: an (entity, date) that already has a
snapshot is skipped inside the same write transaction, and only newly
written snapshots are counted.

The postgres and redis subpackages implement the same interfaces against a
shared database and a Redis server.
*/
package storage
