package config

import "errors"

// Configuration errors. All of them are fatal for a run: they surface before
// any command executes. Match with errors.Is; messages carry the tag or field
// path that failed.
var (
	ErrDuplicateTag   = errors.New("config: duplicate tag")
	ErrUnknownTag     = errors.New("config: unknown tag")
	ErrSchemaMismatch = errors.New("config: schema mismatch")
	ErrResolution     = errors.New("config: unresolved field")

	// ErrNotImplemented is returned when a node type relies on an operation
	// that only a more specific type supplies (for example a default evaluator).
	ErrNotImplemented = errors.New("config: not implemented")
)

func IsDuplicateTag(err error) bool   { return errors.Is(err, ErrDuplicateTag) }
func IsUnknownTag(err error) bool     { return errors.Is(err, ErrUnknownTag) }
func IsSchemaMismatch(err error) bool { return errors.Is(err, ErrSchemaMismatch) }
func IsResolution(err error) bool     { return errors.Is(err, ErrResolution) }
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }
