package auctionapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	token       string
	invalidated atomic.Bool
}

func (f *fakeCreds) Token() string { return f.token }
func (f *fakeCreds) Invalidate()   { f.invalidated.Store(true) }

func newTestClient(t *testing.T, h http.Handler, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", creds, Options{
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
}

const auctionJSON = `{
	"id": 7,
	"item_name": "Brass lamp",
	"description": "Working condition",
	"seller": {"id": 1, "username": "sam", "email": "sam@example.com"},
	"starting_price": "100.00",
	"bid_increment": "5.00",
	"current_highest_bid": "110.00",
	"winner": {"id": 3, "username": "bob", "email": ""},
	"status": "active",
	"go_live_time": "2026-10-18T10:00:00Z",
	"duration_hours": 4,
	"bids": [
		{"id": 11, "amount": "105.00", "bidder": {"id": 2, "username": "alice"}, "timestamp": "2026-10-18T10:05:00Z"},
		{"id": 12, "amount": "110.00", "bidder": {"id": 3, "username": "bob"}, "timestamp": "2026-10-18T10:06:00Z"}
	]
}`

func TestFetchAuction(t *testing.T) {
	creds := &fakeCreds{token: "abc"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auctions/7/", r.URL.Path)
		require.Equal(t, "Token abc", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(auctionJSON))
	}), creds)

	snap, err := c.FetchAuction(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, "7", snap.ID)
	require.Equal(t, "sam", snap.Seller.Username)
	require.Equal(t, "3", snap.Winner.ID)
	require.True(t, snap.CurrentHighestBid.Decimal.Equal(decimal.RequireFromString("110")))
	require.Equal(t, time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC), snap.EndTime.UTC())
	require.Len(t, snap.Bids, 2)
	require.Equal(t, "12", snap.Bids[0].ID, "bids are newest first")
	require.Equal(t, "bob", snap.Bids[0].Bidder.Username)
}

func TestFetchAuctionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(auctionJSON))
	}), nil)

	_, err := c.FetchAuction(context.Background(), "7")
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchAuctionGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	_, err := c.FetchAuction(context.Background(), "7")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchAuctionNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not found."}`))
	}), nil)

	_, err := c.FetchAuction(context.Background(), "99")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Not found.", apiErr.Message)
	require.EqualValues(t, 1, calls.Load())
}

func TestPlaceBid(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{name: "accepted", status: http.StatusOK, body: `{"success":true}`},
		{name: "too low", status: http.StatusBadRequest, body: `{"error":"Bid must be at least $115.00"}`, wantStatus: 400, wantMsg: "Bid must be at least $115.00"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantStatus: 500, wantMsg: "oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, "/api/auctions/7/bid/", r.URL.Path)
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				require.Equal(t, "115.00", body["amount"])
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}), nil)

			err := c.PlaceBid(context.Background(), "7", decimal.RequireFromString("115"))
			require.EqualValues(t, 1, calls.Load(), "writes are never retried")
			if tt.wantStatus == 0 {
				require.NoError(t, err)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.wantStatus, apiErr.StatusCode)
			require.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	creds := &fakeCreds{token: "expired"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid token."}`))
	}), creds)

	err := c.PlaceBid(context.Background(), "7", decimal.RequireFromString("115"))
	require.Error(t, err)
	require.True(t, creds.invalidated.Load())
}

func TestNotifications(t *testing.T) {
	var marked atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notifications/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 5, "user": 3, "message": "You were outbid", "auction": 7, "is_read": false, "created_at": "2026-10-18T10:07:00Z"}]`))
	})
	mux.HandleFunc("/api/notifications/5/read/", func(w http.ResponseWriter, r *http.Request) {
		marked.Store(r.Method)
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	c := newTestClient(t, mux, nil)

	items, err := c.FetchNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "5", items[0].SourceEventID)
	require.Equal(t, "7", items[0].AuctionID)
	require.Equal(t, "You were outbid", items[0].Message)

	require.NoError(t, c.MarkNotificationRead(context.Background(), "5"))
	require.Equal(t, http.MethodPost, marked.Load())
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, Options{Timeout: time.Second, MaxRetries: 1})
	err := c.PlaceBid(context.Background(), "7", decimal.RequireFromString("115"))
	require.Error(t, err)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
}
