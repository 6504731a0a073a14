// Package auth acquires the short-lived ticket the chat server requires
// for the identify handshake.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the production ticket endpoint.
const DefaultEndpoint = "https://www.f-list.net/json/getApiTicket.php"

const requestTimeout = 15 * time.Second

// ErrTicketDenied is returned when the endpoint rejects the credentials.
var ErrTicketDenied = errors.New("ticket denied")

// TicketClient fetches identify tickets over HTTP.
type TicketClient struct {
	endpoint string
	client   *http.Client
}

// NewTicketClient builds a client for the given endpoint. An empty
// endpoint selects the production one.
func NewTicketClient(endpoint string) *TicketClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &TicketClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
	Error  string `json:"error"`
}

// Ticket exchanges account credentials for a short-lived ticket. Failures
// propagate to the caller; there is no internal retry.
func (c *TicketClient) Ticket(ctx context.Context, account, password string) (string, error) {
	form := url.Values{
		"account":       {account},
		"password":      {password},
		"no_characters": {"true"},
		"no_friends":    {"true"},
		"no_bookmarks":  {"true"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request ticket: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ticket response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket endpoint returned %s", resp.Status)
	}

	var parsed ticketResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrTicketDenied, parsed.Error)
	}
	if parsed.Ticket == "" {
		return "", fmt.Errorf("%w: empty ticket", ErrTicketDenied)
	}
	return parsed.Ticket, nil
}
