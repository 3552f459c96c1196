package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGroup_SortedMessages(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	g := &Group{Messages: []Message{
		{Text: "third", CreatedAt: t0.Add(2 * time.Second)},
		{Text: "tie-a", CreatedAt: t0.Add(time.Second)},
		{Text: "first", CreatedAt: t0},
		{Text: "tie-b", CreatedAt: t0.Add(time.Second)},
	}}

	got := g.SortedMessages()

	texts := make([]string, len(got))
	for i, m := range got {
		texts[i] = m.Text
	}
	assert.Equal(t, []string{"first", "tie-a", "tie-b", "third"}, texts, "ties keep stored order")
	assert.Equal(t, "third", g.Messages[0].Text, "stored order untouched")
}

func TestGroup_SortedMessagesEmpty(t *testing.T) {
	got := (&Group{}).SortedMessages()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGroup_MarkSent(t *testing.T) {
	g := &Group{}
	assert.False(t, g.IsSent("v1:0"))
	g.MarkSent("v1:0")
	assert.True(t, g.IsSent("v1:0"))
	assert.False(t, g.IsSent("v1:1"))
}
