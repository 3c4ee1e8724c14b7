package events

// Kafka topics carrying outbound attendance events.
const (
	TopicPresence = "attendance_presence"
	TopicSchedule = "attendance_schedule"
	TopicPoints   = "attendance_points"
)

var topicByType = map[string]string{
	TypePresenceCheckedIn:  TopicPresence,
	TypePresenceCheckedOut: TopicPresence,
	TypePresenceExpired:    TopicPresence,
	TypeScheduleCreated:    TopicSchedule,
	TypeScheduleAttended:   TopicSchedule,
	TypeScheduleCancelled:  TopicSchedule,
	TypeScheduleNoShow:     TopicSchedule,
	TypePointsAwarded:      TopicPoints,
}

// TopicFor returns the topic an outbound event type is published on.
func TopicFor(eventType string) (string, bool) {
	topic, ok := topicByType[eventType]
	return topic, ok
}

// Subject is the schema registry subject for values on topic.
func Subject(topic string) string {
	return topic + "-value"
}

// Topics lists the outbound topics.
func Topics() []string {
	return []string{TopicPresence, TopicSchedule, TopicPoints}
}

// IsTopic reports whether topic is one of the outbound topics.
func IsTopic(topic string) bool {
	switch topic {
	case TopicPresence, TopicSchedule, TopicPoints:
		return true
	}
	return false
}
