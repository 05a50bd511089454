package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	simplejson "github.com/bitly/go-simplejson"
)

// ListUsers enumerates every username known to the panel, walking the
// paginated /api/users endpoint until the page comes back short or the
// reported total is reached.
func (c *Client) ListUsers(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < listAttempts; attempt++ {
		users, err := c.listUsersOnce(ctx)
		if err == nil {
			return users, nil
		}
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		lastErr = err
		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("list users failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
	if errors.Is(lastErr, ErrUnavailable) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: list users: %v", ErrUnavailable, lastErr)
}

func (c *Client) listUsersOnce(ctx context.Context) ([]string, error) {
	var usernames []string
	offset := 0
	for {
		resp, err := c.authedDo(ctx, http.MethodGet, "/api/users", nil, map[string]string{
			"offset": strconv.Itoa(offset),
			"limit":  strconv.Itoa(usersPageSize),
		})
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("users endpoint returned %d", resp.StatusCode())
		}

		js, err := simplejson.NewJson(resp.Body())
		if err != nil {
			return nil, fmt.Errorf("decode user page: %w", err)
		}
		page := js.Get("users")
		arr, err := page.Array()
		if err != nil {
			return nil, fmt.Errorf("decode user page: missing users array")
		}
		for i := range arr {
			if name := page.GetIndex(i).Get("username").MustString(); name != "" {
				usernames = append(usernames, name)
			}
		}

		total := js.Get("total").MustInt()
		offset += len(arr)
		if len(arr) < usersPageSize || (total > 0 && offset >= total) {
			return usernames, nil
		}
	}
}

// GetUserDetails fetches one panel user. A 404 maps to ErrNotFound.
func (c *Client) GetUserDetails(ctx context.Context, username string) (*UserDetails, error) {
	resp, err := c.authedDo(ctx, http.MethodGet, userPath(username), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: get user %s: status %d", ErrUnavailable, username, resp.StatusCode())
	}
	return decodeUserDetails(resp.Body())
}

// UpdateUserStatus sets the user status to "active" or "disabled".
func (c *Client) UpdateUserStatus(ctx context.Context, username, status string) error {
	resp, err := c.authedDo(ctx, http.MethodPut, userPath(username), map[string]interface{}{
		"status": status,
	}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: set status of %s: status %d", ErrUnavailable, username, resp.StatusCode())
	}
	return nil
}

// UpdateUserGroups replaces the user's group membership.
func (c *Client) UpdateUserGroups(ctx context.Context, username string, groupIDs []int) error {
	if groupIDs == nil {
		groupIDs = []int{}
	}
	resp, err := c.authedDo(ctx, http.MethodPut, userPath(username), map[string]interface{}{
		"group_ids": groupIDs,
	}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: set groups of %s: status %d", ErrUnavailable, username, resp.StatusCode())
	}
	return nil
}

// CheckUserExists probes the panel for a username. After three failed
// attempts it reports true, so transient panel trouble never makes the
// cleanup path treat a real user as deleted.
func (c *Client) CheckUserExists(ctx context.Context, username string) bool {
	for attempt := 0; attempt < existAttempts; attempt++ {
		resp, err := c.authedDo(ctx, http.MethodGet, userPath(username), nil, nil)
		if err == nil {
			switch {
			case resp.IsSuccess():
				return true
			case resp.StatusCode() == http.StatusNotFound:
				return false
			}
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(c.retryInterval):
		}
	}
	return true
}

// ListGroups fetches the panel group catalogue.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	resp, err := c.authedDo(ctx, http.MethodGet, "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: list groups: status %d", ErrUnavailable, resp.StatusCode())
	}
	return decodeGroups(resp.Body())
}
