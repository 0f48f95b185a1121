// Package storage owns the jobs and runs tables.
//
// It is pure CRUD + queries with no scheduling logic. Access is a single
// SQLite file in WAL mode with one writer connection; every call is an
// independent round trip.
package storage
