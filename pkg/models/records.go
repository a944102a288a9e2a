package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type ListType string

const (
	ListStandard ListType = "standard"
	ListAdvanced ListType = "advanced"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type MemberStatus string

const (
	StatusPending  MemberStatus = "pending"
	StatusAccepted MemberStatus = "accepted"
)

type CommentType string

const (
	CommentTypeComment CommentType = "comment"
	CommentTypeLog     CommentType = "log"
)

// JSONMap is a free-form object stored as jsonb.
type JSONMap map[string]any

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value any) error {
	return scanJSON(value, j)
}

type Tag struct {
	Label string `json:"label" validate:"required"`
	Color string `json:"color"`
}

// Tags is a task's label list stored as jsonb.
type Tags []Tag

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func (t *Tags) Scan(value any) error {
	return scanJSON(value, t)
}

func scanJSON(value any, dst any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source %T", value)
	}
}

type List struct {
	ID        ID        `gorm:"column:id;primaryKey" json:"id"`
	OwnerID   ID        `gorm:"column:owner_id" json:"owner_id" validate:"required"`
	Title     string    `gorm:"column:title" json:"title" validate:"notblank,max=200"`
	Type      ListType  `gorm:"column:type" json:"type" validate:"oneof=standard advanced"`
	IconName  string    `gorm:"column:icon_name" json:"icon_name"`
	IconColor string    `gorm:"column:icon_color" json:"icon_color" validate:"omitempty,hexcolor"`
	Features  JSONMap   `gorm:"column:features;type:jsonb" json:"features,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (l List) RecordID() ID      { return l.ID }
func (l List) WithID(id ID) List { l.ID = id; return l }
func (List) Kind() Kind          { return KindList }

type Task struct {
	ID         ID         `gorm:"column:id;primaryKey" json:"id"`
	ListID     ID         `gorm:"column:list_id" json:"list_id" validate:"required"`
	Title      string     `gorm:"column:title" json:"title" validate:"notblank,max=500"`
	Status     bool       `gorm:"column:status" json:"status"`
	Priority   Priority   `gorm:"column:priority" json:"priority" validate:"omitempty,oneof=low normal high"`
	DueDate    *time.Time `gorm:"column:due_date" json:"due_date"`
	AssigneeID *ID        `gorm:"column:assignee_id" json:"assignee_id"`
	Tags       Tags       `gorm:"column:tags;type:jsonb" json:"tags" validate:"dive"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`

	// Subtasks is joined from the subtasks table and never written with the task row.
	Subtasks []Subtask `gorm:"-" json:"subtasks,omitempty"`
}

func (t Task) RecordID() ID      { return t.ID }
func (t Task) WithID(id ID) Task { t.ID = id; return t }
func (Task) Kind() Kind          { return KindTask }

// Row returns the task without its joined subtasks.
func (t Task) Row() Task { t.Subtasks = nil; return t }

type Subtask struct {
	ID        ID     `gorm:"column:id;primaryKey" json:"id"`
	TaskID    ID     `gorm:"column:task_id" json:"task_id" validate:"required"`
	Title     string `gorm:"column:title" json:"title" validate:"notblank,max=500"`
	Completed bool   `gorm:"column:completed" json:"completed"`
}

func (s Subtask) RecordID() ID         { return s.ID }
func (s Subtask) WithID(id ID) Subtask { s.ID = id; return s }
func (Subtask) Kind() Kind             { return KindSubtask }

// Comment is a row of the updates table.
type Comment struct {
	ID        ID          `gorm:"column:id;primaryKey" json:"id"`
	TaskID    ID          `gorm:"column:task_id" json:"task_id" validate:"required"`
	UserID    ID          `gorm:"column:user_id" json:"user_id" validate:"required"`
	Message   string      `gorm:"column:message" json:"message" validate:"notblank,max=2000"`
	Type      CommentType `gorm:"column:type" json:"type" validate:"oneof=comment log"`
	CreatedAt time.Time   `gorm:"column:created_at" json:"created_at"`
}

func (c Comment) RecordID() ID         { return c.ID }
func (c Comment) WithID(id ID) Comment { c.ID = id; return c }
func (Comment) Kind() Kind             { return KindComment }

// Member is a row of list_members: an invitation or an accepted membership.
type Member struct {
	ID        ID           `gorm:"column:id;primaryKey" json:"id"`
	ListID    ID           `gorm:"column:list_id" json:"list_id" validate:"required"`
	UserID    ID           `gorm:"column:user_id" json:"user_id" validate:"required"`
	Role      Role         `gorm:"column:role" json:"role" validate:"oneof=owner editor viewer"`
	Status    MemberStatus `gorm:"column:status" json:"status" validate:"oneof=pending accepted"`
	InvitedAt time.Time    `gorm:"column:invited_at" json:"invited_at"`
}

func (m Member) RecordID() ID        { return m.ID }
func (m Member) WithID(id ID) Member { m.ID = id; return m }
func (Member) Kind() Kind            { return KindMember }

type Profile struct {
	ID        ID         `gorm:"column:id;primaryKey" json:"id" validate:"required"`
	Username  *string    `gorm:"column:username" json:"username"`
	FullName  *string    `gorm:"column:full_name" json:"full_name"`
	AvatarURL *string    `gorm:"column:avatar_url" json:"avatar_url" validate:"omitempty,url"`
	UpdatedAt *time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (p Profile) RecordID() ID         { return p.ID }
func (p Profile) WithID(id ID) Profile { p.ID = id; return p }
func (Profile) Kind() Kind             { return KindProfile }
