package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode renders an event in the envelope Parse accepts. Publishers and tests use it.
func Encode(e Event) ([]byte, error) {
	var payload any

	switch ev := e.(type) {
	case AuthorizationEvent:
		payload = authorizationPayload{
			RefreshToken: &ev.RefreshToken,
			OwnerID:      &ev.OwnerID,
			UserID:       &ev.UserID,
			Timestamp:    utc(ev.Timestamp),
		}
	case SyncRequestEvent:
		payload = syncRequestPayload{
			Bucket:      &ev.Bucket,
			Key:         &ev.Key,
			Destination: &ev.Destination,
			OwnerID:     &ev.OwnerID,
			UserID:      ev.UserID,
			Timestamp:   utc(ev.Timestamp),
		}
	case DeauthorizationEvent:
		payload = deauthorizationPayload{
			OwnerID:   &ev.OwnerID,
			Timestamp: utc(ev.Timestamp),
		}
	default:
		return nil, fmt.Errorf("cannot encode event %T", e)
	}

	data, err := json.Marshal(struct {
		EventType string `json:"event_type"`
		Payload   any    `json:"payload"`
	}{e.EventType(), payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.EventType(), err)
	}

	return data, nil
}

func utc(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
