// Package engine connects a worker pool to the task history store and the
// per-task event broker. It observes pool lifecycle events, records them in
// the store, and fans them out to live subscribers.
package engine
