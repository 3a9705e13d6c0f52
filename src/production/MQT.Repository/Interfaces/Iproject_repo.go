package interfaces

import (
	"context"

	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

// PaginationResult represents a paginated result
type PaginationResult struct {
	Items    interface{} `json:"items"`
	NextPage *int        `json:"next_page,omitempty"`
	Total    int         `json:"total,omitempty"`
}

type ProjectRepository interface {
	// Create project owned by the caller
	Create(ctx context.Context, name string, description *string) (*mqtmodels.Project, error)

	// Read projects
	Get(ctx context.Context, projectID string) (*mqtmodels.Project, error)
	List(ctx context.Context, page, pageSize int) (*PaginationResult, error)

	// Update project
	Update(ctx context.Context, projectID string, patch mqtmodels.ProjectPatch) (*mqtmodels.Project, error)

	// Delete project, cascading to its devices. release runs for every
	// provisioned device first and any error aborts the delete.
	Delete(ctx context.Context, projectID string, release ReleaseFunc) error
}

type ChannelRepository interface {
	// Create channel on a device owned by the caller. A duplicate key is a conflict.
	Create(ctx context.Context, channel mqtmodels.Channel) (*mqtmodels.Channel, error)

	// Read channels
	ListByDevice(ctx context.Context, deviceID string) ([]mqtmodels.Channel, error)

	// Update channel
	Update(ctx context.Context, channelID string, patch mqtmodels.ChannelPatch) (*mqtmodels.Channel, error)

	// Delete channel
	Delete(ctx context.Context, channelID string) error
}
