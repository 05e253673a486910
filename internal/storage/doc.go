// Package storage is the SQLite persistence layer shared by the delivery
// dispatcher, rules engine, pattern aggregator and digest generator.
package storage
