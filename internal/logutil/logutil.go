// Package logutil provides shared logrus field helpers so every package in
// this module logs with the same vocabulary.
package logutil

import "github.com/sirupsen/logrus"

// Room returns the standard field set for a room-scoped log line.
func Room(roomID string) logrus.Fields {
	return logrus.Fields{"room_id": roomID}
}

// Event extends fields with an event ID, for per-event log lines.
func Event(fields logrus.Fields, eventID string) logrus.Fields {
	out := cloneFields(fields)
	out["event_id"] = eventID
	return out
}

// Sync returns the standard field set for a sync-response-scoped log line.
func Sync(nextBatch string) logrus.Fields {
	return logrus.Fields{"next_batch": nextBatch}
}

// User extends fields with a user ID.
func User(fields logrus.Fields, userID string) logrus.Fields {
	out := cloneFields(fields)
	out["user_id"] = userID
	return out
}

func cloneFields(fields logrus.Fields) logrus.Fields {
	out := make(logrus.Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
