// Package reliability scores how dependably a user honours their scheduled visits.
package reliability

const (
	// MaxScore is the ceiling and the initial score for every user.
	MaxScore = 100
	// MinScore is the floor.
	MinScore = 0
)

// Record is the reliability state embedded in a user document.
type Record struct {
	Score          int `json:"score"`
	TotalScheduled int `json:"totalScheduled"`
	TotalAttended  int `json:"totalAttended"`
	TotalNoShow    int `json:"totalNoShow"`
	TotalCancelled int `json:"totalCancelled"`
}

// NewRecord returns the record assigned at signup.
func NewRecord() Record {
	return Record{Score: MaxScore}
}

// Event identifies an attendance outcome that feeds the score.
type Event string

const (
	EventScheduleCreated Event = "schedule_created"
	EventAttend          Event = "attend"
	EventNoShow          Event = "no_show"
	EventCancel          Event = "cancel"
	EventLateCancel      Event = "late_cancel"
)

// Policy holds the score deltas applied per event.
type Policy struct {
	AttendBonus       int
	NoShowPenalty     int
	LateCancelPenalty int
}

// DefaultPolicy is the production scoring table.
var DefaultPolicy = Policy{
	AttendBonus:       2,
	NoShowPenalty:     10,
	LateCancelPenalty: 5,
}

// Apply returns the record after ev. Counters only ever grow and the score stays in [0,100].
func (p Policy) Apply(r Record, ev Event) Record {
	switch ev {
	case EventScheduleCreated:
		r.TotalScheduled++
	case EventAttend:
		r.Score += p.AttendBonus
		r.TotalAttended++
	case EventNoShow:
		r.Score -= p.NoShowPenalty
		r.TotalNoShow++
	case EventCancel:
		r.TotalCancelled++
	case EventLateCancel:
		r.Score -= p.LateCancelPenalty
		r.TotalCancelled++
	}
	r.Score = clamp(r.Score)
	return r
}

// Delta returns the score change ev would cause before clamping.
func (p Policy) Delta(ev Event) int {
	switch ev {
	case EventAttend:
		return p.AttendBonus
	case EventNoShow:
		return -p.NoShowPenalty
	case EventLateCancel:
		return -p.LateCancelPenalty
	default:
		return 0
	}
}

// CancelEvent picks the cancellation event for the given lateness.
func CancelEvent(late bool) Event {
	if late {
		return EventLateCancel
	}
	return EventCancel
}

// Label maps a score to its display band.
func Label(score int) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 75:
		return "Good"
	case score >= 50:
		return "Fair"
	case score >= 25:
		return "Poor"
	default:
		return "Unreliable"
	}
}

func clamp(score int) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	return score
}
