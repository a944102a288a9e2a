// Package memory is an in-process backend with the behaviour of the hosted
// database the client talks to: server-assigned ids and timestamps, unique
// constraints, cascading deletes and injectable failures.
package memory

import (
	"sync"
	"time"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
)

type DB struct {
	mu       sync.Mutex
	failures []*failure
	calls    map[RequestMatcher]int
	clock    func() time.Time
	last     time.Time

	lists    *Table[models.List]
	tasks    *Table[models.Task]
	subtasks *Table[models.Subtask]
	comments *Table[models.Comment]
	members  *Table[models.Member]
	profiles *Table[models.Profile]
}

func New() *DB {
	db := &DB{
		calls: make(map[RequestMatcher]int),
		clock: time.Now,
	}

	db.lists = newTable[models.List](db, tableOptions{stamp: "created_at"})
	db.tasks = newTable[models.Task](db, tableOptions{stamp: "created_at"})
	db.subtasks = newTable[models.Subtask](db, tableOptions{})
	db.comments = newTable[models.Comment](db, tableOptions{stamp: "created_at"})
	db.members = newTable[models.Member](db, tableOptions{
		stamp:  "invited_at",
		unique: [][]string{{"list_id", "user_id"}},
	})
	db.profiles = newTable[models.Profile](db, tableOptions{
		callerIDs: true,
		stamp:     "updated_at",
		touch:     true,
		unique:    [][]string{{"username"}},
	})

	db.lists.cascade(db.tasks, "list_id")
	db.lists.cascade(db.members, "list_id")
	db.tasks.cascade(db.subtasks, "task_id")
	db.tasks.cascade(db.comments, "task_id")

	return db
}

// SetClock replaces the source of server timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.clock = now
}

// now returns strictly increasing UTC timestamps.
func (db *DB) now() time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()

	t := db.clock().UTC()
	if !t.After(db.last) {
		t = db.last.Add(time.Microsecond)
	}
	db.last = t
	return t
}

func (db *DB) Tables() backend.Tables {
	return backend.Tables{
		Lists:    db.lists,
		Tasks:    db.tasks,
		Subtasks: db.subtasks,
		Comments: db.comments,
		Members:  db.members,
		Profiles: db.profiles,
	}
}

func (db *DB) Lists() *Table[models.List]       { return db.lists }
func (db *DB) Tasks() *Table[models.Task]       { return db.tasks }
func (db *DB) Subtasks() *Table[models.Subtask] { return db.subtasks }
func (db *DB) Comments() *Table[models.Comment] { return db.comments }
func (db *DB) Members() *Table[models.Member]   { return db.members }
func (db *DB) Profiles() *Table[models.Profile] { return db.profiles }
