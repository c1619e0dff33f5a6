package domain

import "errors"

var (
	// ErrUnknownType reports a record or changeset referencing a type that was
	// never registered.
	ErrUnknownType = errors.New("unknown entity type")

	// ErrUnknownAssociation reports association metadata pointing at an
	// unregistered target type. A descriptor bug, not a data condition.
	ErrUnknownAssociation = errors.New("unknown association target")

	// ErrAssociationShape reports an association value or delta the graph
	// walk cannot classify. Fatal; never silently skipped.
	ErrAssociationShape = errors.New("unclassifiable association shape")
)
