// Package perm is the boundary to the permission collaborator service.
package perm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

type Checker interface {
	// CheckPermission reports whether the user may join the channel's call.
	CheckPermission(ctx context.Context, user domain.UserID, guild domain.GuildID, channel domain.ChannelID) (bool, error)
}

// AllowAll is the dev-mode checker.
type AllowAll struct{}

func (AllowAll) CheckPermission(context.Context, domain.UserID, domain.GuildID, domain.ChannelID) (bool, error) {
	return true, nil
}

// HTTPChecker asks the permission service over its JSON API.
type HTTPChecker struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPChecker) CheckPermission(ctx context.Context, user domain.UserID, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	q := url.Values{}
	q.Set("user_id", string(user))
	q.Set("guild_id", string(guild))
	q.Set("channel_id", string(channel))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/permissions/check?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("permission service status %d", resp.StatusCode)
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Allowed, nil
}
