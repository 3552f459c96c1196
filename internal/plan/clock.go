package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/lalith-99/groupchat/internal/models"
)

var clockPattern = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock converts the settings form's "mm:ss" into seconds.
func ParseClock(mmss string) (int, error) {
	m := clockPattern.FindStringSubmatch(mmss)
	if m == nil {
		return 0, fmt.Errorf("invalid mm:ss value %q", mmss)
	}
	minutes, _ := strconv.Atoi(m[1])
	seconds, _ := strconv.Atoi(m[2])
	if seconds >= 60 {
		return 0, fmt.Errorf("invalid mm:ss value %q: seconds out of range", mmss)
	}
	return minutes*60 + seconds, nil
}

// FormatClock renders seconds as "mm:ss". Negative input renders as 00:00.
func FormatClock(secs int) string {
	secs = max(secs, 0)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// TimerState is where a group is within its phase timers.
type TimerState struct {
	Phase     int  `json:"phase"`
	Phases    int  `json:"phases"`
	Remaining int  `json:"remaining"`
	Elapsed   int  `json:"elapsed"`
	Done      bool `json:"done"`
}

// Timer computes the phase countdown at now for timers started at start.
// Non-positive phases are skipped, as the presentation layer does.
func Timer(timers []models.TimerItem, start, now time.Time) TimerState {
	phases := make([]int, 0, len(timers))
	for _, t := range timers {
		if t.Time > 0 {
			phases = append(phases, t.Time)
		}
	}

	elapsed := Elapsed(start, now)
	st := TimerState{Phases: len(phases), Elapsed: elapsed}
	if len(phases) == 0 {
		st.Done = true
		return st
	}

	left := elapsed
	for i, p := range phases {
		if left < p {
			st.Phase = i
			st.Remaining = p - left
			return st
		}
		left -= p
	}
	st.Phase = len(phases) - 1
	st.Done = true
	return st
}
