// Package chat is the client adapter for the remote messaging API:
// channel enumeration and creation, membership listing and one-at-a-time
// membership mutation, with bounded retry on rate limits.
package chat

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/remote"
)

// PageSize is the page limit used for cursor pagination.
const PageSize = 200

const apiName = "messaging"

// Client talks to the messaging API.
type Client struct {
	http  *remote.HTTPClient
	retry remote.RetryPolicy
}

// New returns a messaging client for the given workspace base URL.
func New(baseURL, token string, retry remote.RetryPolicy) *Client {
	return &Client{
		http:  remote.NewHTTPClient(apiName, baseURL, token),
		retry: retry,
	}
}

type wireChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	IsArchive bool   `json:"is_archived"`
}

type envelope struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (e *envelope) check() error {
	if e.OK {
		return nil
	}
	return &remote.APIError{API: apiName, Code: e.Error, Msg: "request rejected"}
}

// call wraps one messaging API request in the retry policy, including
// envelope-level rejection checking.
func (c *Client) call(ctx context.Context, method, path string, body any, out interface{ check() error }) error {
	return c.retry.Do(ctx, apiName, func() error {
		metrics.RemoteCalls.WithLabelValues(apiName).Inc()
		if err := c.http.DoJSON(ctx, method, path, body, out); err != nil {
			return err
		}
		return out.check()
	})
}

type listChannelsResponse struct {
	envelope
	Channels []wireChannel `json:"channels"`
}

// ListChannels enumerates all public and private channels.
func (c *Client) ListChannels(ctx context.Context) ([]*model.RemoteChannel, error) {
	var channels []*model.RemoteChannel
	cursor := ""
	for {
		path := "/api/conversations.list?types=public_channel,private_channel&limit=" + strconv.Itoa(PageSize)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var page listChannelsResponse
		if err := c.call(ctx, "GET", path, nil, &page); err != nil {
			return nil, err
		}
		for _, ch := range page.Channels {
			channels = append(channels, &model.RemoteChannel{
				ID:       ch.ID,
				Name:     ch.Name,
				Private:  ch.IsPrivate,
				Archived: ch.IsArchive,
			})
		}
		cursor = page.Metadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

type membersResponse struct {
	envelope
	Members []string `json:"members"`
}

// Members returns the member IDs of a channel.
func (c *Client) Members(ctx context.Context, channelID string) ([]string, error) {
	var members []string
	cursor := ""
	for {
		path := "/api/conversations.members?channel=" + url.QueryEscape(channelID) + "&limit=" + strconv.Itoa(PageSize)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var page membersResponse
		if err := c.call(ctx, "GET", path, nil, &page); err != nil {
			return nil, err
		}
		members = append(members, page.Members...)
		cursor = page.Metadata.NextCursor
		if cursor == "" {
			return members, nil
		}
	}
}

type createResponse struct {
	envelope
	Channel wireChannel `json:"channel"`
}

// CreateChannel creates a channel and returns its ID.
func (c *Client) CreateChannel(ctx context.Context, name string, private bool) (string, error) {
	body := map[string]any{"name": name, "is_private": private}
	var resp createResponse
	if err := c.call(ctx, "POST", "/api/conversations.create", body, &resp); err != nil {
		return "", err
	}
	if resp.Channel.ID == "" {
		return "", &remote.APIError{API: apiName, Msg: "create returned no channel ID"}
	}
	return resp.Channel.ID, nil
}

// Invite adds one user to a channel. Re-inviting an existing member is
// reported as already_in_channel; callers treat that as success.
func (c *Client) Invite(ctx context.Context, channelID, userID string) error {
	body := map[string]any{"channel": channelID, "users": userID}
	var resp envelope
	err := c.call(ctx, "POST", "/api/conversations.invite", body, &resp)
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "already_in_channel" {
		return nil
	}
	return err
}

// Kick removes one user from a channel. Removing a non-member is
// reported as not_in_channel; callers treat that as success.
func (c *Client) Kick(ctx context.Context, channelID, userID string) error {
	body := map[string]any{"channel": channelID, "user": userID}
	var resp envelope
	err := c.call(ctx, "POST", "/api/conversations.kick", body, &resp)
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "not_in_channel" {
		return nil
	}
	return err
}

// SetPostingPolicy restricts who may post in a channel ("admin") or
// lifts the restriction ("").
func (c *Client) SetPostingPolicy(ctx context.Context, channelID, policy string) error {
	if policy == "" {
		policy = "everyone"
	}
	body := map[string]any{"channel": channelID, "posting_policy": policy}
	var resp envelope
	return c.call(ctx, "POST", "/api/conversations.setPostingPolicy", body, &resp)
}

