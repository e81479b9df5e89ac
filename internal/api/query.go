package api

import (
	"context"
	"errors"
	"net/url"

	"github.com/rickgao/querywatch/internal/model"
)

// ErrEmptyQueryID is returned when a request is made without a query ID.
var ErrEmptyQueryID = errors.New("empty query id")

// GetQueryStatus fetches the current processing status of a query.
func (c *Client) GetQueryStatus(ctx context.Context, queryID string) (*model.StatusResponse, error) {
	if queryID == "" {
		return nil, ErrEmptyQueryID
	}

	var resp model.StatusResponse
	if err := c.getJSON(ctx, "/api/query/"+url.PathEscape(queryID)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
