package store

import "errors"

var (
	// ErrUnknownFormat is returned when a database file parses as JSON but
	// matches neither the legacy (bare array) nor the current
	// (metadata/entries object) root shape.
	ErrUnknownFormat = errors.New("unrecognised database format")

	// ErrInvalidEntry is returned when a candidate entry fails the canonical
	// key-set check before an upsert. No mutation has happened when this is
	// returned.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrUnknownIndexField is returned when an operation names a field that
	// is not one of the indexed database fields.
	ErrUnknownIndexField = errors.New("not a valid database index field")

	// ErrNoFreeAddresses is returned by Allocate when every address in the
	// subnet is accounted for. This is a normal outcome, not a fault - the
	// caller decides whether to retry elsewhere or give up.
	ErrNoFreeAddresses = errors.New("no free addresses in network")
)
