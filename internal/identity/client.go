// Package identity resolves a claimed Roblox username to its canonical
// username and numeric user id.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://users.roblox.com"

var (
	// ErrUserNotFound is returned when the lookup succeeds but no user matches.
	ErrUserNotFound = errors.New("username not found")
	// ErrUnavailable wraps network failures, timeouts and non-2xx responses.
	ErrUnavailable = errors.New("identity service unavailable")
)

// User is a verified external identity.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"name"`
	DisplayName string `json:"displayName"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client bounded by timeout per lookup.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type usernamesRequest struct {
	Usernames          []string `json:"usernames"`
	ExcludeBannedUsers bool     `json:"excludeBannedUsers"`
}

type usernamesResponse struct {
	Data []User `json:"data"`
}

// Verify looks up username and returns the canonical record.
func (c *Client) Verify(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUserNotFound
	}
	body, err := json.Marshal(usernamesRequest{Usernames: []string{username}, ExcludeBannedUsers: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/usernames/users", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out usernamesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Data) == 0 {
		return nil, ErrUserNotFound
	}
	u := out.Data[0]
	return &u, nil
}
