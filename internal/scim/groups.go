package scim

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/remote"
)

// The directory's grouping primitive is a write-only target: membership
// is pushed from the evaluated specification, never read back into the
// desired model.

type wireGroupMember struct {
	Value string `json:"value"`
	// Operation "delete" removes the member; the empty operation adds
	// or keeps it.
	Operation string `json:"operation,omitempty"`
}

type wireGroup struct {
	ID          string            `json:"id,omitempty"`
	DisplayName string            `json:"displayName"`
	Members     []wireGroupMember `json:"members,omitempty"`
}

type groupListResponse struct {
	TotalResults int         `json:"totalResults"`
	Resources    []wireGroup `json:"Resources"`
}

// Group is one remote directory group as seen by the adapter.
type Group struct {
	ID        string
	Name      string
	MemberIDs []string
}

// ListGroups enumerates the directory's groups with their member IDs.
func (c *Client) ListGroups(ctx context.Context) (map[string]*Group, error) {
	groups := make(map[string]*Group)
	start := 1
	for {
		var page groupListResponse
		path := fmt.Sprintf("/scim/v1/Groups?startIndex=%d&count=%d", start, PageSize)
		err := c.retry.Do(ctx, apiName, func() error {
			metrics.RemoteCalls.WithLabelValues(apiName).Inc()
			return c.http.DoJSON(ctx, "GET", path, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		for _, g := range page.Resources {
			grp := &Group{ID: g.ID, Name: g.DisplayName}
			for _, m := range g.Members {
				grp.MemberIDs = append(grp.MemberIDs, m.Value)
			}
			groups[grp.Name] = grp
		}
		start += len(page.Resources)
		if len(page.Resources) == 0 || start > page.TotalResults {
			return groups, nil
		}
	}
}

// CreateGroup provisions an empty group and returns its ID.
func (c *Client) CreateGroup(ctx context.Context, name string) (string, error) {
	var created wireGroup
	err := c.retry.Do(ctx, apiName, func() error {
		metrics.RemoteCalls.WithLabelValues(apiName).Inc()
		return c.http.DoJSON(ctx, "POST", "/scim/v1/Groups", &wireGroup{DisplayName: name}, &created)
	})
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &remote.APIError{API: apiName, Msg: "create returned no group ID"}
	}
	return created.ID, nil
}

// PatchGroupMembers applies one membership patch: keep adds members,
// remove marks them deleted, in a single call per group.
func (c *Client) PatchGroupMembers(ctx context.Context, id string, keep, remove []string) error {
	patch := &wireGroup{}
	for _, m := range keep {
		patch.Members = append(patch.Members, wireGroupMember{Value: m})
	}
	for _, m := range remove {
		patch.Members = append(patch.Members, wireGroupMember{Value: m, Operation: "delete"})
	}
	return c.retry.Do(ctx, apiName, func() error {
		metrics.RemoteCalls.WithLabelValues(apiName).Inc()
		return c.http.DoJSON(ctx, "PATCH", "/scim/v1/Groups/"+url.PathEscape(id), patch, nil)
	})
}
