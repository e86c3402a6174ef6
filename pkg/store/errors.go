// Package store holds Echoman's repositories: hand-written SQL over
// database/sql, one repository per entity, the same role
// pkg/services/*.go plays for the teacher but without a generated ent
// client underneath (see DESIGN.md).
package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by ID matches no row.
	ErrNotFound = errors.New("store: entity not found")

	// ErrAlreadyExists is returned when a unique constraint rejects an insert.
	ErrAlreadyExists = errors.New("store: entity already exists")

	// ErrNoneClaimable is returned by claim operations when nothing is
	// eligible, distinguishing "empty queue" from a query error.
	ErrNoneClaimable = errors.New("store: no claimable rows")
)
