package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogman/notifier/internal/models"
)

func TestBacklogTargets(t *testing.T) {
	tests := []struct {
		name                          string
		projectID, projectOrg, blgOrg int64
		want                          []Target
	}{
		{"project only", 3, 0, 0, []Target{{"projects", int64(3)}}},
		{"project with org", 3, 7, 9, []Target{{"projects", int64(3)}, {"organizations", int64(7)}}},
		{"org backlog", 0, 0, 9, []Target{{"organizations", int64(9)}}},
		{"nothing", 0, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BacklogTargets(tt.projectID, tt.projectOrg, tt.blgOrg))
		})
	}
}

func TestStoryTargets(t *testing.T) {
	assert.Equal(t, []Target{{"projects", int64(5)}}, StoryTargets(5))
	assert.Nil(t, StoryTargets(0))
}

func TestOwnerTargets(t *testing.T) {
	assert.Equal(t, []Target{{"projects", int64(3)}}, OwnerTargets(3, 9))
	assert.Equal(t, []Target{{"organizations", int64(9)}}, OwnerTargets(0, 9))
	assert.Nil(t, OwnerTargets(0, 0))
}

func TestBuildEvent(t *testing.T) {
	moved := int64(12)

	tests := []struct {
		name        string
		req         models.EventRequest
		wantTargets []Target
		wantPayload string
		wantErr     error
	}{
		{
			name:        "stories moved in org project",
			req:         models.EventRequest{Event: TypeStoriesMoved, ProjectID: 3, ProjectOrgID: 7, BacklogID: 4, Order: []int64{12, 11}, MovedStoryID: &moved, Username: "ann@example.com"},
			wantTargets: []Target{{"projects", int64(3)}, {"organizations", int64(7)}},
			wantPayload: `{"type":"stories_moved","backlog_id":4,"order":[12,11],"moved_story_id":12,"username":"ann@example.com"}`,
		},
		{
			name:        "story changed",
			req:         models.EventRequest{Event: TypeStoryChanged, ProjectID: 3, StoryID: 12, StoryData: json.RawMessage(`{"title":"x"}`), Username: "ann@example.com"},
			wantTargets: []Target{{"projects", int64(3)}},
			wantPayload: `{"type":"story_changed","story_id":12,"story_data":{"title":"x"},"username":"ann@example.com"}`,
		},
		{
			name:        "org backlogs moved",
			req:         models.EventRequest{Event: TypeBacklogsMoved, OrgID: 9, Order: []int64{2, 1}, Username: "ann@example.com"},
			wantTargets: []Target{{"organizations", int64(9)}},
			wantPayload: `{"type":"backlogs_moved","order":[2,1],"username":"ann@example.com"}`,
		},
		{name: "unknown", req: models.EventRequest{Event: "story_deleted", ProjectID: 3}, wantErr: ErrUnknownEvent},
		{name: "no room", req: models.EventRequest{Event: TypeBacklogsMoved}, wantErr: ErrNoTargets},
		{name: "story without project", req: models.EventRequest{Event: TypeStoryChanged, StoryID: 12}, wantErr: ErrNoTargets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, payload, err := BuildEvent(tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTargets, targets)
			got, err := json.Marshal(payload)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantPayload, string(got))
		})
	}

	_, _, err := BuildEvent(models.EventRequest{Event: TypeStoriesMoved, ProjectID: 3})
	assert.Error(t, err, "stories_moved needs a backlog")
}

func TestEventEncoding(t *testing.T) {
	moved := int64(12)

	tests := []struct {
		name  string
		event any
		want  string
	}{
		{
			"stories moved",
			NewStoriesMoved(4, []int64{12, 11}, &moved, "ann@example.com"),
			`{"type":"stories_moved","backlog_id":4,"order":[12,11],"moved_story_id":12,"username":"ann@example.com"}`,
		},
		{
			"stories moved without story",
			NewStoriesMoved(4, nil, nil, "ann@example.com"),
			`{"type":"stories_moved","backlog_id":4,"order":[],"moved_story_id":null,"username":"ann@example.com"}`,
		},
		{
			"story changed",
			NewStoryChanged(12, json.RawMessage(`{"title":"As a user"}`), "bob@example.com"),
			`{"type":"story_changed","story_id":12,"story_data":{"title":"As a user"},"username":"bob@example.com"}`,
		},
		{
			"story changed without data",
			NewStoryChanged(12, nil, "bob@example.com"),
			`{"type":"story_changed","story_id":12,"story_data":{},"username":"bob@example.com"}`,
		},
		{
			"backlogs moved",
			NewBacklogsMoved([]int64{2, 1}, "bob@example.com"),
			`{"type":"backlogs_moved","order":[2,1],"username":"bob@example.com"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
