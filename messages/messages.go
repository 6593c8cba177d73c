// Package messages decodes queue message bodies into typed events.
//
// A body is an envelope {"event_type": "...", "payload": {...}}. The event type is the only
// discriminator; the payload is decoded strictly into the matching event.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeAuthorization   = "onedrive_authorization"
	TypeSyncRequest     = "file_sync"
	TypeDeauthorization = "onedrive_deauthorization"
)

var (
	// ErrMalformedEvent covers every body that cannot be turned into an Event.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEventType is a malformed event whose event_type is a string we do not handle.
	ErrUnknownEventType = fmt.Errorf("%w: unknown event type", ErrMalformedEvent)
)

// Event is one of AuthorizationEvent, SyncRequestEvent or DeauthorizationEvent.
type Event interface {
	EventType() string
	Owner() int64

	sealed()
}

// AuthorizationEvent carries a fresh refresh token obtained by the upstream OAuth flow.
type AuthorizationEvent struct {
	OwnerID      int64
	UserID       int64
	RefreshToken string
	Timestamp    time.Time
}

// SyncRequestEvent asks for one object to be copied to the owner's OneDrive.
type SyncRequestEvent struct {
	OwnerID     int64
	UserID      *int64
	Bucket      string
	Key         string
	Destination string
	Timestamp   time.Time
}

// DeauthorizationEvent revokes the owner's integration.
type DeauthorizationEvent struct {
	OwnerID   int64
	Timestamp time.Time
}

func (AuthorizationEvent) EventType() string   { return TypeAuthorization }
func (SyncRequestEvent) EventType() string     { return TypeSyncRequest }
func (DeauthorizationEvent) EventType() string { return TypeDeauthorization }

func (e AuthorizationEvent) Owner() int64   { return e.OwnerID }
func (e SyncRequestEvent) Owner() int64     { return e.OwnerID }
func (e DeauthorizationEvent) Owner() int64 { return e.OwnerID }

func (AuthorizationEvent) sealed()   {}
func (SyncRequestEvent) sealed()     {}
func (DeauthorizationEvent) sealed() {}

// String keeps the refresh token out of logs.
func (e AuthorizationEvent) String() string {
	return fmt.Sprintf("AuthorizationEvent{OwnerID:%d UserID:%d RefreshToken:[redacted] Timestamp:%s}",
		e.OwnerID, e.UserID, e.Timestamp.Format(time.RFC3339))
}

func (e AuthorizationEvent) GoString() string {
	return e.String()
}

type envelope struct {
	EventType *string         `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type authorizationPayload struct {
	RefreshToken *string    `json:"refresh_token"`
	OwnerID      *int64     `json:"owner_id"`
	UserID       *int64     `json:"user_id"`
	Timestamp    *time.Time `json:"timestamp"`
}

type syncRequestPayload struct {
	Bucket      *string    `json:"bucket"`
	Key         *string    `json:"key"`
	Destination *string    `json:"destination"`
	OwnerID     *int64     `json:"owner_id"`
	UserID      *int64     `json:"user_id"`
	Timestamp   *time.Time `json:"timestamp"`
}

type deauthorizationPayload struct {
	OwnerID   *int64     `json:"owner_id"`
	Timestamp *time.Time `json:"timestamp"`
}

// Parse decodes a queue message body. Every failure wraps ErrMalformedEvent; an envelope whose
// event_type is present but unrecognised also matches ErrUnknownEventType.
func Parse(raw string) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	// a literal null body decodes into an empty envelope
	if env.EventType == nil {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}

	eventType := *env.EventType

	switch eventType {
	case TypeAuthorization, TypeSyncRequest, TypeDeauthorization:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEventType, eventType)
	}

	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: missing payload", ErrMalformedEvent, eventType)
	}

	switch eventType {
	case TypeAuthorization:
		return parseAuthorization(env.Payload)
	case TypeSyncRequest:
		return parseSyncRequest(env.Payload)
	default:
		return parseDeauthorization(env.Payload)
	}
}

func parseAuthorization(data json.RawMessage) (Event, error) {
	var p authorizationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed(TypeAuthorization, err)
	}

	if err := missing(TypeAuthorization,
		field{"refresh_token", p.RefreshToken != nil},
		field{"owner_id", p.OwnerID != nil},
		field{"user_id", p.UserID != nil},
		field{"timestamp", p.Timestamp != nil},
	); err != nil {
		return nil, err
	}

	return AuthorizationEvent{
		OwnerID:      *p.OwnerID,
		UserID:       *p.UserID,
		RefreshToken: *p.RefreshToken,
		Timestamp:    p.Timestamp.UTC(),
	}, nil
}

func parseSyncRequest(data json.RawMessage) (Event, error) {
	var p syncRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed(TypeSyncRequest, err)
	}

	if err := missing(TypeSyncRequest,
		field{"bucket", p.Bucket != nil},
		field{"key", p.Key != nil},
		field{"destination", p.Destination != nil},
		field{"owner_id", p.OwnerID != nil},
		field{"timestamp", p.Timestamp != nil},
	); err != nil {
		return nil, err
	}

	return SyncRequestEvent{
		OwnerID:     *p.OwnerID,
		UserID:      p.UserID,
		Bucket:      *p.Bucket,
		Key:         *p.Key,
		Destination: *p.Destination,
		Timestamp:   p.Timestamp.UTC(),
	}, nil
}

func parseDeauthorization(data json.RawMessage) (Event, error) {
	var p deauthorizationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed(TypeDeauthorization, err)
	}

	if err := missing(TypeDeauthorization,
		field{"owner_id", p.OwnerID != nil},
		field{"timestamp", p.Timestamp != nil},
	); err != nil {
		return nil, err
	}

	return DeauthorizationEvent{
		OwnerID:   *p.OwnerID,
		Timestamp: p.Timestamp.UTC(),
	}, nil
}

type field struct {
	name    string
	present bool
}

func missing(eventType string, fields ...field) error {
	for _, f := range fields {
		if !f.present {
			return fmt.Errorf("%w: %s: missing %s", ErrMalformedEvent, eventType, f.name)
		}
	}

	return nil
}

func malformed(eventType string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedEvent, eventType, err)
}
