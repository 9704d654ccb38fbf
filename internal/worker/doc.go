// Package worker provides the isolated execution contexts that a pool
// dispatches tasks to. An Instance runs one request at a time and exchanges
// only encoded frames with its owner: local instances run on a dedicated
// goroutine, process instances run in a child process speaking
// length-prefixed JSON over stdin/stdout.
package worker
