package model

import "github.com/oklog/ulid/v2"

// NewID returns a task id. ULIDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed task id.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
