package outbox

import "example.com/attendance/internal/events"

// topicSchemas holds the JSON schema registered under each topic's value subject. A subject
// carries a single schema, so every event type published on a topic shares it.
var topicSchemas = map[string]string{
	events.TopicPresence: presenceChangedSchema,
	events.TopicSchedule: scheduleChangedSchema,
	events.TopicPoints:   pointsAwardedSchema,
}

const presenceChangedSchema = `{
  "type": "object",
  "title": "PresenceChanged",
  "properties": {
    "presence_id": {"type": "string"},
    "user_id": {"type": "string"},
    "gym_id": {"type": "string"},
    "status": {"type": "string", "enum": ["ACTIVE", "CHECKED_OUT", "EXPIRED"]},
    "distance_from_gym": {"type": "number"},
    "schedule_id": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["presence_id", "user_id", "gym_id", "status", "distance_from_gym", "occurred_at"],
  "additionalProperties": false
}`

const scheduleChangedSchema = `{
  "type": "object",
  "title": "ScheduleChanged",
  "properties": {
    "schedule_id": {"type": "string"},
    "user_id": {"type": "string"},
    "gym_id": {"type": "string"},
    "status": {"type": "string", "enum": ["SCHEDULED", "ATTENDED", "CANCELLED", "NO_SHOW"]},
    "time_slot": {"type": "string"},
    "scheduled_time": {"type": "string", "format": "date-time"},
    "late_cancellation": {"type": "boolean"},
    "reliability_score": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["schedule_id", "user_id", "gym_id", "status", "time_slot", "scheduled_time", "reliability_score", "occurred_at"],
  "additionalProperties": false
}`

const pointsAwardedSchema = `{
  "type": "object",
  "title": "PointsAwarded",
  "properties": {
    "user_id": {"type": "string"},
    "action": {"type": "string"},
    "delta": {"type": "integer"},
    "total_points": {"type": "integer"},
    "tier": {"type": "string"},
    "previous_tier": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "action", "delta", "total_points", "tier", "previous_tier", "occurred_at"],
  "additionalProperties": false
}`
