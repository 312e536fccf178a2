package likes

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stagelink/stagesync/internal/api"
)

// Client issues the like mutation calls. Addition carries the actor in the
// body; removal carries it as a query parameter. Both hit the per-resource
// like collection.
type Client interface {
	AddLike(ctx context.Context, resourceID, actorID string) error
	RemoveLike(ctx context.Context, resourceID, actorID string) error
}

type likeBody struct {
	ActorID string `json:"actorId"`
}

type HTTPClient struct {
	api *api.Client
}

func NewHTTPClient(client *api.Client) *HTTPClient {
	return &HTTPClient{api: client}
}

func (c *HTTPClient) AddLike(ctx context.Context, resourceID, actorID string) error {
	_, err := c.api.DoEnvelope(ctx, http.MethodPost, likesPath(resourceID), nil, likeBody{ActorID: actorID})
	return err
}

func (c *HTTPClient) RemoveLike(ctx context.Context, resourceID, actorID string) error {
	query := url.Values{}
	query.Set("actorId", actorID)
	_, err := c.api.DoEnvelope(ctx, http.MethodDelete, likesPath(resourceID), query, nil)
	return err
}

func likesPath(resourceID string) string {
	return fmt.Sprintf("/v1/shows/%s/likes", url.PathEscape(resourceID))
}
