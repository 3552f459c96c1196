package models

import (
	"slices"
	"time"
)

// GroupType steers which scripted messages apply to a group. It is decided
// once, when the group is created, by the parity of its creation order.
//
// The wire values are the ones the settings UI already writes, so they keep
// their historical spelling.
type GroupType string

const (
	GroupTypeEmoji   GroupType = "emojy"
	GroupTypeNoEmoji GroupType = "noEmojy"
)

// AdminSenderID is the sender used for every scripted message.
const AdminSenderID = "admin"

// Settings is the capacity/duration block of an experiment.
//
// UsersInGroup <= 0 is tolerated: every arrival then gets its own group.
type Settings struct {
	UsersInGroup  int `json:"usersInGroup"`
	TotalDuration int `json:"totalDuration"`
}

// PlanItem is one scripted message. TimeInChat is seconds since group
// creation at which the message becomes eligible. An empty GroupType means
// the item applies to every group.
type PlanItem struct {
	GroupType  GroupType `json:"groupType"`
	Message    string    `json:"message"`
	TimeInChat int       `json:"timeInChat"`
}

// TimerItem is one phase of the participant-facing countdown, in seconds.
type TimerItem struct {
	Time int `json:"time"`
}

// Experiment owns its settings and plans. Groups are referenced by id only;
// a group outlives any edit to this list.
//
// The JSON names mirror the document schema the settings UI writes.
type Experiment struct {
	ID          string      `json:"id"`
	Settings    Settings    `json:"settings"`
	MessagePlan []PlanItem  `json:"ChatMessagesplan"`
	TimerPlan   []TimerItem `json:"ChatTimersplan"`
	Groups      []string    `json:"groups"`
	UpdatedAt   string      `json:"updatedAt,omitempty"`
}

// Capacity returns the configured group size.
func (e *Experiment) Capacity() int {
	return e.Settings.UsersInGroup
}

// Message is one entry of a group's chat timeline.
//
// MessageID is only set for scripted messages; it is the dispatch key the
// message was sent under.
type Message struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	IsAdmin    bool      `json:"isAdmin"`
	CreatedAt  time.Time `json:"createdAt"`
	Text       string    `json:"text"`
	MessageID  string    `json:"messageId,omitempty"`
}

// Automation records which scripted messages were dispatched to a group.
// Sent is keyed by the flat dispatch key "{planVersion}:{planIndex}".
type Automation struct {
	Sent map[string]bool `json:"sent,omitempty"`
}

// Group is a capacity-bounded set of participants sharing one chat timeline.
//
// ExperimentID is a back-reference, not an ownership pointer. Users and
// Messages are append-only.
type Group struct {
	ID           string     `json:"id"`
	ExperimentID string     `json:"experimentId"`
	Name         string     `json:"name"`
	GroupType    GroupType  `json:"groupType"`
	Users        []string   `json:"users"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Messages     []Message  `json:"messages"`
	Automation   Automation `json:"automation"`
}

// HasUser reports whether the participant is already a member.
func (g *Group) HasUser(participantID string) bool {
	return slices.Contains(g.Users, participantID)
}

// IsSent reports whether the dispatch key is marked as delivered.
func (g *Group) IsSent(key string) bool {
	return g.Automation.Sent[key]
}

// MarkSent sets the dispatch marker for key.
func (g *Group) MarkSent(key string) {
	if g.Automation.Sent == nil {
		g.Automation.Sent = make(map[string]bool)
	}
	g.Automation.Sent[key] = true
}

// SortedMessages returns a copy of the messages ordered by CreatedAt.
//
// Array order in the store is not chronological under concurrent writers,
// so anything that renders a timeline goes through here.
func (g *Group) SortedMessages() []Message {
	out := slices.Clone(g.Messages)
	if out == nil {
		out = make([]Message, 0)
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
