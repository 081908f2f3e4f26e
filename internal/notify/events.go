package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/backlogman/notifier/internal/models"
)

var (
	// ErrUnknownEvent is returned for an event tag BuildEvent does not know.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrNoTargets is returned when an event names no room to notify.
	ErrNoTargets = errors.New("event has no target room")
)

// Event type tags understood by the backlog and story map pages.
const (
	TypeStoriesMoved  = "stories_moved"
	TypeStoryChanged  = "story_changed"
	TypeBacklogsMoved = "backlogs_moved"
)

// StoriesMoved reports a new story order within a backlog.
type StoriesMoved struct {
	Type         string  `json:"type"`
	BacklogID    int64   `json:"backlog_id"`
	Order        []int64 `json:"order"`
	MovedStoryID *int64  `json:"moved_story_id"`
	Username     string  `json:"username"`
}

// NewStoriesMoved builds a stories_moved event. movedStoryID may be nil when
// the whole backlog was reordered.
func NewStoriesMoved(backlogID int64, order []int64, movedStoryID *int64, username string) StoriesMoved {
	if order == nil {
		order = []int64{}
	}
	return StoriesMoved{
		Type:         TypeStoriesMoved,
		BacklogID:    backlogID,
		Order:        order,
		MovedStoryID: movedStoryID,
		Username:     username,
	}
}

// StoryChanged carries the serialized state of an edited story.
type StoryChanged struct {
	Type      string          `json:"type"`
	StoryID   int64           `json:"story_id"`
	StoryData json.RawMessage `json:"story_data"`
	Username  string          `json:"username"`
}

func NewStoryChanged(storyID int64, storyData json.RawMessage, username string) StoryChanged {
	if len(storyData) == 0 {
		storyData = json.RawMessage(`{}`)
	}
	return StoryChanged{Type: TypeStoryChanged, StoryID: storyID, StoryData: storyData, Username: username}
}

// BacklogsMoved reports a new backlog order for a project or organization.
type BacklogsMoved struct {
	Type     string  `json:"type"`
	Order    []int64 `json:"order"`
	Username string  `json:"username"`
}

func NewBacklogsMoved(order []int64, username string) BacklogsMoved {
	if order == nil {
		order = []int64{}
	}
	return BacklogsMoved{Type: TypeBacklogsMoved, Order: order, Username: username}
}

// BacklogTargets returns the rooms watching a backlog. A project backlog
// notifies its project and, when the project belongs to one, its
// organization. An organization-level backlog notifies the organization.
// Zero ids mean "not set".
func BacklogTargets(projectID, projectOrgID, backlogOrgID int64) []Target {
	if projectID != 0 {
		targets := []Target{{Type: "projects", ID: projectID}}
		if projectOrgID != 0 {
			targets = append(targets, Target{Type: "organizations", ID: projectOrgID})
		}
		return targets
	}
	if backlogOrgID != 0 {
		return []Target{{Type: "organizations", ID: backlogOrgID}}
	}
	return nil
}

// OwnerTargets returns the room of whatever owns a backlog list: the
// project when set, else the organization.
func OwnerTargets(projectID, orgID int64) []Target {
	switch {
	case projectID != 0:
		return []Target{{Type: "projects", ID: projectID}}
	case orgID != 0:
		return []Target{{Type: "organizations", ID: orgID}}
	}
	return nil
}

// StoryTargets returns the rooms watching a story: its project.
func StoryTargets(projectID int64) []Target {
	if projectID == 0 {
		return nil
	}
	return []Target{{Type: "projects", ID: projectID}}
}

// BuildEvent maps a typed event request to its payload and the rooms that
// watch it.
func BuildEvent(req models.EventRequest) ([]Target, any, error) {
	var (
		targets []Target
		payload any
	)
	switch req.Event {
	case TypeStoriesMoved:
		if req.BacklogID == 0 {
			return nil, nil, fmt.Errorf("%s: missing backlog_id", req.Event)
		}
		targets = BacklogTargets(req.ProjectID, req.ProjectOrgID, req.OrgID)
		payload = NewStoriesMoved(req.BacklogID, req.Order, req.MovedStoryID, req.Username)
	case TypeStoryChanged:
		if req.StoryID == 0 {
			return nil, nil, fmt.Errorf("%s: missing story_id", req.Event)
		}
		targets = StoryTargets(req.ProjectID)
		payload = NewStoryChanged(req.StoryID, req.StoryData, req.Username)
	case TypeBacklogsMoved:
		targets = OwnerTargets(req.ProjectID, req.OrgID)
		payload = NewBacklogsMoved(req.Order, req.Username)
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownEvent, req.Event)
	}
	if len(targets) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoTargets, req.Event)
	}
	return targets, payload, nil
}
