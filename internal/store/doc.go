// Package store provides durable key/value storage for the session engine.
//
// # Architecture
//
// KeyValue is the only interface. It stands in for the browser local storage a
// web client would use: string keys, string values, and no transactions.
//
//   - SQLiteStore: durable storage on modernc.org/sqlite (no cgo)
//   - MemoryStore: in-memory storage for tests and throwaway sessions
//
// # Keys
//
// Well-known keys are declared as constants (KeyConversationID, KeySecureForms,
// KeyExternalJWT, ...). Keys scoped to an id are built with ConsumerIDKey,
// ConsumerConversationKey and SteppedUpKey.
//
// # Schema
//
//	CREATE TABLE kv (
//	    key TEXT PRIMARY KEY,
//	    value TEXT NOT NULL,
//	    updated_at DATETIME NOT NULL
//	);
//
// WAL mode is enabled so a replay process and a live session can share a file.
package store
