// Package storage is the system of record for automation configs, reply
// records and the activity log.
//
// Drivers: memory, file (JSONL journal + snapshot), sqlite and postgres.
// Every driver implements the collaborator interfaces in internal/ports.
package storage
