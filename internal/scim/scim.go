// Package scim is the client adapter for the remote user-directory API:
// paginated enumeration, provisioning, profile patches and activation
// state, with bounded retry on rate limits and transient failures.
package scim

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/remote"
)

// PageSize is the maximum page size the directory API will return.
const PageSize = 1000

const apiName = "directory"

// Client talks to the directory API. One mutation per call; no bulk
// endpoints exist remotely.
type Client struct {
	http  *remote.HTTPClient
	retry remote.RetryPolicy
}

// New returns a directory client for the given workspace base URL.
func New(baseURL, token string, retry remote.RetryPolicy) *Client {
	return &Client{
		http:  remote.NewHTTPClient(apiName, baseURL, token),
		retry: retry,
	}
}

type wireName struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

type wireEmail struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

type wirePhoto struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

type wireUser struct {
	ID          string            `json:"id,omitempty"`
	UserName    string            `json:"userName,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Name        *wireName         `json:"name,omitempty"`
	Emails      []wireEmail       `json:"emails,omitempty"`
	Photos      []wirePhoto       `json:"photos,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Active      *bool             `json:"active,omitempty"`
	Bot         bool              `json:"bot,omitempty"`
}

type listResponse struct {
	TotalResults int        `json:"totalResults"`
	StartIndex   int        `json:"startIndex"`
	Resources    []wireUser `json:"Resources"`
}

func (w *wireUser) toModel() *model.RemoteUser {
	u := &model.RemoteUser{
		ID:          w.ID,
		UserName:    w.UserName,
		DisplayName: w.DisplayName,
		Bot:         w.Bot,
		ImageKind:   model.ImageUnknown,
		Fields:      w.Fields,
	}
	if w.Name != nil {
		u.GivenName = w.Name.GivenName
		u.FamilyName = w.Name.FamilyName
	}
	if w.Active != nil {
		u.Active = *w.Active
	}
	for _, e := range w.Emails {
		if e.Primary && u.Email == "" {
			u.Email = e.Value
		}
		u.Emails = append(u.Emails, e.Value)
	}
	if u.Email == "" && len(u.Emails) > 0 {
		u.Email = u.Emails[0]
	}
	for _, p := range w.Photos {
		if p.Primary || u.ImageURL == "" {
			u.ImageURL = p.Value
		}
	}
	if u.ImageURL == "" {
		u.ImageKind = model.ImageNone
	}
	return u
}

// ListUsers enumerates every directory record, paginating until the
// reported total is reached.
func (c *Client) ListUsers(ctx context.Context) ([]*model.RemoteUser, error) {
	var users []*model.RemoteUser
	start := 1
	for {
		var page listResponse
		path := fmt.Sprintf("/scim/v1/Users?startIndex=%d&count=%d", start, PageSize)
		err := c.retry.Do(ctx, apiName, func() error {
			metrics.RemoteCalls.WithLabelValues(apiName).Inc()
			return c.http.DoJSON(ctx, "GET", path, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		for i := range page.Resources {
			users = append(users, page.Resources[i].toModel())
		}
		start += len(page.Resources)
		if len(page.Resources) == 0 || start > page.TotalResults {
			return users, nil
		}
	}
}

// CreateUser provisions a new directory record for the desired user and
// returns the assigned ID. Creation sends the full profile; there is no
// risk of overwriting user customizations on a fresh account.
func (c *Client) CreateUser(ctx context.Context, u *model.User) (string, error) {
	payload := userPayload(u)
	active := true
	payload.Active = &active

	var created wireUser
	err := c.retry.Do(ctx, apiName, func() error {
		metrics.RemoteCalls.WithLabelValues(apiName).Inc()
		return c.http.DoJSON(ctx, "POST", "/scim/v1/Users", payload, &created)
	})
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &remote.APIError{API: apiName, Msg: "create returned no user ID"}
	}
	return created.ID, nil
}

func userPayload(u *model.User) *wireUser {
	payload := &wireUser{
		UserName:    u.UserName(),
		DisplayName: u.UserName(),
		Fields:      map[string]string{},
	}
	given, _ := u.Attr(model.AttrGivenName)
	family, _ := u.Attr(model.AttrFamilyName)
	if given != "" || family != "" {
		payload.Name = &wireName{GivenName: given, FamilyName: family}
	}
	payload.Emails = append(payload.Emails, wireEmail{Value: u.Email(), Primary: true})
	for _, alt := range u.Emails()[1:] {
		payload.Emails = append(payload.Emails, wireEmail{Value: alt})
	}
	if img, ok := u.Attr(model.AttrImageURL); ok && img != "" {
		payload.Photos = []wirePhoto{{Value: img, Primary: true}}
	}
	for name, v := range u.ProfileFields() {
		switch name {
		case model.AttrUserName, model.AttrDisplayName, model.AttrGivenName, model.AttrFamilyName:
		default:
			payload.Fields[name] = v
		}
	}
	if len(payload.Fields) == 0 {
		payload.Fields = nil
	}
	return payload
}

func (c *Client) patch(ctx context.Context, id string, changes *wireUser) error {
	return c.retry.Do(ctx, apiName, func() error {
		metrics.RemoteCalls.WithLabelValues(apiName).Inc()
		return c.http.DoJSON(ctx, "PATCH", "/scim/v1/Users/"+url.PathEscape(id), changes, nil)
	})
}

// SetActive activates or deactivates an existing record. Deactivation is
// the closest thing to deletion the directory supports.
func (c *Client) SetActive(ctx context.Context, id string, active bool) error {
	return c.patch(ctx, id, &wireUser{Active: &active})
}

// UpdateField patches a single profile attribute.
func (c *Client) UpdateField(ctx context.Context, id, field, value string) error {
	changes := &wireUser{}
	switch field {
	case model.AttrUserName:
		changes.UserName = value
	case model.AttrDisplayName:
		changes.DisplayName = value
	case model.AttrGivenName:
		changes.Name = &wireName{GivenName: value}
	case model.AttrFamilyName:
		changes.Name = &wireName{FamilyName: value}
	default:
		changes.Fields = map[string]string{field: value}
	}
	return c.patch(ctx, id, changes)
}

// SetPhoto points the primary profile photo at the given URL.
func (c *Client) SetPhoto(ctx context.Context, id, imageURL string) error {
	return c.patch(ctx, id, &wireUser{Photos: []wirePhoto{{Value: imageURL, Primary: true}}})
}
