package master

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SpamExperts/bitten/internal/model"
)

func TestNotifierFanOut(t *testing.T) {
	first := &recordingListener{}
	second := &recordingListener{}
	n := NewNotifier(first)
	n.Subscribe(second)

	b := &model.Build{ID: 9, Project: "trac", Config: "trunk", Rev: "123"}
	n.BuildStarted(b)
	n.BuildCompleted(b)
	n.BuildAborted(b)
	n.BuildOrphaned(b)

	want := []string{"started:9", "completed:9", "aborted:9", "orphaned:9"}
	assert.Equal(t, want, first.all())
	assert.Equal(t, want, second.all())
}

func TestNotifierComposes(t *testing.T) {
	inner := &recordingListener{}
	n := NewNotifier(NewNotifier(inner))

	n.BuildStarted(&model.Build{ID: 1})
	assert.Equal(t, []string{"started:1"}, inner.all())
}

func TestNotifierEmpty(t *testing.T) {
	n := NewNotifier()
	assert.NotPanics(t, func() {
		n.BuildCompleted(&model.Build{ID: 1})
	})
}
