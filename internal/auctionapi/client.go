// Package auctionapi is the HTTP client for the auction server's pull and write endpoints.
package auctionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/backoff"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/shopspring/decimal"
)

// Credentials supplies the session token and is told when the server rejects it.
type Credentials interface {
	Token() string
	Invalidate()
}

// APIError is a non-2xx response. Message is the server's `error` field when present.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	Clock          clock.Clock
}

// Client provides access to the auction REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
	maxRetries int
	retry      backoff.Strategy
	clock      clock.Clock
}

// NewClient creates a new auction API client. creds may be nil for anonymous reads.
func NewClient(baseURL string, creds Credentials, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		creds:      creds,
		maxRetries: opts.MaxRetries,
		retry:      backoff.NewLinear(opts.RetryDelayBase, 0),
		clock:      opts.Clock,
	}
}

// userDTO is the server's user serialization.
type userDTO struct {
	ID       models.FlexID `json:"id"`
	Username string        `json:"username"`
	Email    string        `json:"email"`
}

func (u *userDTO) toModel() *models.UserRef {
	if u == nil {
		return nil
	}
	return &models.UserRef{ID: u.ID.String(), Username: u.Username, Email: u.Email}
}

type bidDTO struct {
	ID        models.FlexID   `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Bidder    *userDTO        `json:"bidder"`
	Timestamp time.Time       `json:"timestamp"`
}

// auctionDTO is the server's auction serialization.
type auctionDTO struct {
	ID                models.FlexID        `json:"id"`
	ItemName          string               `json:"item_name"`
	Description       string               `json:"description"`
	Seller            *userDTO             `json:"seller"`
	StartingPrice     decimal.Decimal      `json:"starting_price"`
	BidIncrement      decimal.Decimal      `json:"bid_increment"`
	CurrentHighestBid decimal.NullDecimal  `json:"current_highest_bid"`
	Winner            *userDTO             `json:"winner"`
	Status            models.AuctionStatus `json:"status"`
	GoLiveTime        time.Time            `json:"go_live_time"`
	EndTime           *time.Time           `json:"end_time"`
	DurationHours     int                  `json:"duration_hours"`
	Bids              []bidDTO             `json:"bids"`
}

func (a auctionDTO) toModel() models.AuctionSnapshot {
	snap := models.AuctionSnapshot{
		ID:                a.ID.String(),
		ItemName:          a.ItemName,
		Description:       a.Description,
		Seller:            a.Seller.toModel(),
		StartingPrice:     a.StartingPrice,
		BidIncrement:      a.BidIncrement,
		CurrentHighestBid: a.CurrentHighestBid,
		Winner:            a.Winner.toModel(),
		Status:            a.Status,
		GoLiveTime:        a.GoLiveTime,
		Bids:              make([]models.Bid, 0, len(a.Bids)),
	}
	if a.EndTime != nil {
		snap.EndTime = *a.EndTime
	} else {
		snap.EndTime = a.GoLiveTime.Add(time.Duration(a.DurationHours) * time.Hour)
	}
	for _, b := range a.Bids {
		bid := models.Bid{ID: b.ID.String(), Amount: b.Amount, Timestamp: b.Timestamp}
		if u := b.Bidder.toModel(); u != nil {
			bid.Bidder = *u
		}
		snap.Bids = append(snap.Bids, bid)
	}
	models.SortBids(snap.Bids)
	return snap
}

type notificationDTO struct {
	ID        models.FlexID `json:"id"`
	Message   string        `json:"message"`
	Auction   models.FlexID `json:"auction"`
	IsRead    bool          `json:"is_read"`
	CreatedAt time.Time     `json:"created_at"`
}

// FetchAuction pulls the authoritative snapshot of one auction.
func (c *Client) FetchAuction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	var dto auctionDTO
	if err := c.getJSON(ctx, fmt.Sprintf("/api/auctions/%s/", auctionID), &dto); err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("failed to fetch auction %s: %w", auctionID, err)
	}
	snap := dto.toModel()
	if err := snap.Validate(); err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("invalid auction %s: %w", auctionID, err)
	}
	return snap, nil
}

// PlaceBid submits one bid. It is never retried; the caller classifies the error.
func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) error {
	body, err := json.Marshal(map[string]string{"amount": amount.StringFixed(2)})
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, http.MethodPost, fmt.Sprintf("/api/auctions/%s/bid/", auctionID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchNotifications returns the user's unread notifications from the server.
func (c *Client) FetchNotifications(ctx context.Context) ([]models.NotificationItem, error) {
	var dtos []notificationDTO
	if err := c.getJSON(ctx, "/api/notifications/", &dtos); err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	items := make([]models.NotificationItem, 0, len(dtos))
	for _, d := range dtos {
		items = append(items, models.NotificationItem{
			SourceEventID: d.ID.String(),
			Message:       d.Message,
			Category:      models.CategoryInfo,
			AuctionID:     d.Auction.String(),
			CreatedAt:     d.CreatedAt,
			Read:          d.IsRead,
		})
	}
	return items, nil
}

// MarkNotificationRead marks a server-side notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	resp, err := c.send(ctx, http.MethodPost, fmt.Sprintf("/api/notifications/%s/read/", notificationID), nil)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", notificationID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs a GET with retry on transport errors and 5xx responses
func (c *Client) doRequest(ctx context.Context, path string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			if err := backoff.Wait(ctx, c.clock, c.retry.Delay(i-1)); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, http.MethodGet, path, nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("GET %s failed (attempt %d/%d): %v", path, i+1, c.maxRetries, err)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// send performs one request. Non-2xx responses are returned as *APIError with the body consumed.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if tok := c.creds.Token(); tok != "" {
			req.Header.Set("Authorization", "Token "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	if resp.StatusCode == http.StatusUnauthorized && c.creds != nil {
		logger.Warn("Server rejected session credentials; logging out")
		c.creds.Invalidate()
	}
	return nil, apiErr
}

// errorMessage extracts `{"error": "..."}` or DRF's `{"detail": "..."}`, falling back to the
// status text of the raw body.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	return strings.TrimSpace(string(raw))
}
