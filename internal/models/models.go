package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRoomKey is returned when a room key cannot be built or parsed.
var ErrInvalidRoomKey = errors.New("invalid room key")

// RoomKey identifies a broadcast group: "<object type>:<object id>".
type RoomKey string

// NewRoomKey builds a room key from an object type tag and an object id.
// The id may be any value with a sensible string form (ints, strings).
func NewRoomKey(objectType string, objectID any) (RoomKey, error) {
	if objectType == "" || strings.Contains(objectType, ":") {
		return "", fmt.Errorf("%w: object type %q", ErrInvalidRoomKey, objectType)
	}
	id := fmt.Sprint(objectID)
	if id == "" {
		return "", fmt.Errorf("%w: empty object id", ErrInvalidRoomKey)
	}
	return RoomKey(objectType + ":" + id), nil
}

// RoomKeyFromPath builds a room key from the upgrade path segments. The id
// must be a positive integer.
func RoomKeyFromPath(objectType, objectID string) (RoomKey, error) {
	id, err := strconv.ParseInt(objectID, 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("%w: object id %q", ErrInvalidRoomKey, objectID)
	}
	return NewRoomKey(objectType, id)
}

// ParseRoomKey parses the compact "<type>:<id>" form.
func ParseRoomKey(s string) (RoomKey, error) {
	objectType, objectID, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomKey, s)
	}
	return RoomKeyFromPath(objectType, objectID)
}

// ObjectType returns the type tag portion of the key.
func (k RoomKey) ObjectType() string {
	t, _, _ := strings.Cut(string(k), ":")
	return t
}

func (k RoomKey) String() string { return string(k) }

// Envelope is the internal broker message carrying a change event for one room.
// Data is opaque to the relay.
type Envelope struct {
	Key  RoomKey         `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Validate checks the envelope has a key and a data field. Any JSON value,
// null included, is a valid payload.
func (e Envelope) Validate() error {
	if e.Key == "" {
		return errors.New("envelope missing key")
	}
	if len(e.Data) == 0 {
		return errors.New("envelope missing data")
	}
	return nil
}

// NotifyRequest is the body accepted by the notify endpoint.
type NotifyRequest struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ObjectID returns the id as a plain string, accepting JSON numbers and strings.
func (r NotifyRequest) ObjectID() (string, error) {
	if len(r.ID) == 0 {
		return "", errors.New("missing id")
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(r.ID, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %w", err)
	}
	return n.String(), nil
}

// EventRequest is the body accepted by the events endpoint. Which fields
// apply depends on Event; zero ids mean "not set".
type EventRequest struct {
	Event        string          `json:"event"`
	ProjectID    int64           `json:"project_id"`
	ProjectOrgID int64           `json:"project_org_id"`
	OrgID        int64           `json:"org_id"`
	BacklogID    int64           `json:"backlog_id"`
	StoryID      int64           `json:"story_id"`
	Order        []int64         `json:"order"`
	MovedStoryID *int64          `json:"moved_story_id"`
	StoryData    json.RawMessage `json:"story_data"`
	Username     string          `json:"username"`
}

type EventResponse struct {
	Keys   []RoomKey `json:"keys"`
	Queued bool      `json:"queued"`
}

type NotifyResponse struct {
	Key    RoomKey `json:"key"`
	Queued bool    `json:"queued"`
}

type StatsResponse struct {
	Rooms   int `json:"rooms"`
	Clients int `json:"clients"`
}

// Error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
