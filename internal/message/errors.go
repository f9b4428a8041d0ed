package message

import "errors"

var (
	// ErrDuplicateExternalID means a concurrent writer stored the same
	// external id first. The writer absorbs it and reports a duplicate.
	ErrDuplicateExternalID = errors.New("message external id already stored")
	// ErrConstraintViolation means the schema rejected the write in a way
	// retrying will not fix, e.g. an undefined column.
	ErrConstraintViolation = errors.New("message write violates schema")
	ErrNotFound            = errors.New("message not found")
	ErrInvalidStatus       = errors.New("invalid message status")
)
