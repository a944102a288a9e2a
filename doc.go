// The [tidysync] package keeps the lists, tasks, comments and invitations of
// a shared list app in sync across devices.
//
// # Optimistic Mutations
//
// Every write is applied to the local collection first and is visible in
// [View.Snapshot] before the backend answers. A temporary id (see
// [models.NewTempID]) keys a record until the backend assigns the real one.
// When the backend rejects a write, the collection is restored to the
// snapshot taken before it and the caller gets a [*WriteError].
//
// # Change Broadcasts
//
// Confirmed writes are broadcast on the collection's topic. Every device
// that has the collection open, the writer included, applies the event with
// [github.com/tidylist/tidysync/pkg/reconcile.Apply], which is idempotent:
// an event received twice, or received after the local confirmation, does
// not duplicate a record. Events that do not decode or validate, and
// payload-less hints, make the receiver refetch the collection instead.
//
// # Backends
//
// [Client] is wired to a [backend.Tables] and a [notifier.Transport].
// [github.com/tidylist/tidysync/pkg/backend/gormstore] stores rows in
// PostgreSQL and [github.com/tidylist/tidysync/pkg/realtime] broadcasts
// through the relay in cmd/tidyrelay. The in-process
// [github.com/tidylist/tidysync/pkg/backend/memory] backend and
// [notifier.LocalHub] serve tests and demos.
package tidysync
