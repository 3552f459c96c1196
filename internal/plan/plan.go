// Package plan holds the pure functions over an experiment's message and
// timer plans: plan versioning, dispatch keys, eligibility and the phase
// timer.
package plan

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/lalith-99/groupchat/internal/models"
)

// ErrConfigInconsistent is returned by Validate when the phase timers do
// not add up to the total duration. It is only raised when settings are
// saved; readers treat every plan item independently.
var ErrConfigInconsistent = errors.New("plan: timer sum does not match total duration")

// Version fingerprints the shape of an experiment's message plan. It
// changes whenever the admin saves (updatedAt moves) and whenever the
// number of items changes, so dispatch keys from an older plan never match
// a newer one.
func Version(exp *models.Experiment) string {
	base := exp.UpdatedAt
	if base == "" && exp.Settings.TotalDuration != 0 {
		base = strconv.Itoa(exp.Settings.TotalDuration)
	}
	if base == "" {
		base = "v1"
	}
	return base + ":" + strconv.Itoa(len(exp.MessagePlan))
}

// Key identifies one scripted message under one plan version.
type Key struct {
	Version string
	Index   int
}

// String renders the key as stored in Message.MessageID and in the group's
// sent markers: "{version}:{index}". The index is always the part after the
// last colon, so versions may contain colons themselves.
func (k Key) String() string {
	return k.Version + ":" + strconv.Itoa(k.Index)
}

// Applies reports whether item targets groups of type gt. Items without a
// type apply everywhere, and so does every item for a group without one.
func Applies(item models.PlanItem, gt models.GroupType) bool {
	return item.GroupType == "" || gt == "" || item.GroupType == gt
}

// Elapsed is whole seconds since createdAt, never negative.
func Elapsed(createdAt, now time.Time) int {
	d := now.Sub(createdAt)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// Eligible reports whether item should have been sent by now.
func Eligible(item models.PlanItem, gt models.GroupType, createdAt, now time.Time) bool {
	return Applies(item, gt) && Elapsed(createdAt, now) >= item.TimeInChat
}

// Due returns the indexes of every item eligible for the group at now, in
// plan order.
func Due(items []models.PlanItem, gt models.GroupType, createdAt, now time.Time) []int {
	var due []int
	for i, item := range items {
		if Eligible(item, gt, createdAt, now) {
			due = append(due, i)
		}
	}
	return due
}

// NextDue returns how long until the next applicable item that is not yet
// eligible. ok is false when nothing is left in the future.
func NextDue(items []models.PlanItem, gt models.GroupType, createdAt, now time.Time) (wait time.Duration, ok bool) {
	wait = time.Duration(math.MaxInt64)
	for _, item := range items {
		if !Applies(item, gt) || Eligible(item, gt, createdAt, now) {
			continue
		}
		at := createdAt.Add(time.Duration(item.TimeInChat) * time.Second)
		d := max(at.Sub(now), 0)
		if d < wait {
			wait = d
			ok = true
		}
	}
	if !ok {
		return 0, false
	}
	return wait, true
}

// Validate checks the save-time invariant sum(timers) == totalDuration.
func Validate(settings models.Settings, timers []models.TimerItem) error {
	if settings.UsersInGroup < 0 {
		return fmt.Errorf("usersInGroup must not be negative, got %d", settings.UsersInGroup)
	}
	for i, t := range timers {
		if t.Time < 0 {
			return fmt.Errorf("timer %d: negative duration %d", i, t.Time)
		}
	}
	if sum := TotalDuration(timers); sum != settings.TotalDuration {
		return fmt.Errorf("%w: timers sum to %ds, total is %ds", ErrConfigInconsistent, sum, settings.TotalDuration)
	}
	return nil
}

// TotalDuration sums the timer plan.
func TotalDuration(timers []models.TimerItem) int {
	sum := 0
	for _, t := range timers {
		sum += t.Time
	}
	return sum
}
