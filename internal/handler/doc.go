// Package handler holds the registry of named task handlers that execution
// contexts dispatch on. Handlers are pure functions from a JSON payload to a
// JSON-encodable result; the registry catches their failures and panics so a
// misbehaving handler never takes down the context running it.
package handler
