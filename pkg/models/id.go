// Package models holds the records tidysync keeps in its collections along
// with identifiers, change events and field patches.
package models

import (
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers generated locally for optimistic records.
const TempPrefix = "temp_"

// ID identifies a record. Server identifiers are opaque strings assigned by
// the backend. Temporary identifiers carry TempPrefix and never leave the
// client.
type ID string

// NewTempID returns a temporary identifier backed by a random UUID.
func NewTempID() ID {
	return ID(TempPrefix + uuid.NewString())
}

func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), TempPrefix)
}

func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}
