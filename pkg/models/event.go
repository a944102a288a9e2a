package models

import "fmt"

type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
	Deleted Action = "deleted"
)

func (a Action) Valid() bool {
	switch a {
	case Created, Updated, Deleted:
		return true
	}
	return false
}

// ChangeEvent describes one change to one record. CorrelationID is set on
// Created events and names the temporary record the originating session
// inserted before the backend assigned Record's id.
type ChangeEvent[R Record[R]] struct {
	Action        Action
	Record        R
	CorrelationID ID
}

func (e ChangeEvent[R]) String() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s %s %s (correlation %s)", e.Action, e.Record.Kind(), e.Record.RecordID(), e.CorrelationID)
	}
	return fmt.Sprintf("%s %s %s", e.Action, e.Record.Kind(), e.Record.RecordID())
}
