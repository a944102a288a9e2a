package testlog

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandler(t *testing.T) {
	h := New(WithIgnoreDebug())
	log := slog.New(h)

	log.Debug("dropped")
	log.Info("joined", "topic", "lists_channel")
	log.With("kind", "task").WithGroup("event").Warn("rolled back", "id", "s5")

	assert.Equal(t, []string{
		"[0] INFO: joined topic=lists_channel",
		"[1] WARN: rolled back kind=task, event.id=s5",
	}, h.Lines())
	assert.Equal(t, []string{"INFO: joined", "WARN: rolled back"}, h.Messages())
}

func TestHandlerGroupedAttrs(t *testing.T) {
	h := New()
	slog.New(h).WithGroup("relay").With("topic", "t1").Info("broadcast", slog.Group("frame", "ref", "r1"))

	assert.Equal(t, []string{"[0] INFO: broadcast relay.topic=t1, relay.frame.ref=r1"}, h.Lines())
}
