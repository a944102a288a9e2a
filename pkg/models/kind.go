package models

// Kind names an entity kind. Each kind maps to one backend table.
type Kind string

const (
	KindList    Kind = "list"
	KindTask    Kind = "task"
	KindSubtask Kind = "subtask"
	KindComment Kind = "comment"
	KindMember  Kind = "member"
	KindProfile Kind = "profile"
)

var tables = map[Kind]string{
	KindList:    "lists",
	KindTask:    "tasks",
	KindSubtask: "subtasks",
	KindComment: "updates",
	KindMember:  "list_members",
	KindProfile: "profiles",
}

// Table returns the backend table name for the kind, or "" if unknown.
func (k Kind) Table() string {
	return tables[k]
}

func (k Kind) Valid() bool {
	_, ok := tables[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// Record is implemented by every value type kept in a collection.
//
// WithID returns a copy with the identifier replaced, which lets generic code
// stamp temporary ids without reflection.
type Record[R any] interface {
	RecordID() ID
	WithID(ID) R
	Kind() Kind
}

// Rower is implemented by records carrying joined fields that are not
// columns of their own table.
type Rower[R any] interface {
	Row() R
}

// RowOf strips joined fields from rec.
func RowOf[R any](rec R) R {
	if r, ok := any(rec).(Rower[R]); ok {
		return r.Row()
	}
	return rec
}
