// Package redis keeps push baselines in Redis hashes, one per business, so
// they survive restarts without a local database.
package redis
