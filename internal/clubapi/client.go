// Package clubapi is a typed HTTP client for the clubs/reservations REST backend.
package clubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Payment methods accepted by the backend.
const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

// Client calls the backend. The base URL includes the API prefix, e.g.
// "http://localhost:8000/api/v1".
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	redis    *redis.Client
	cacheTTL time.Duration
}

// TimeSlot is one entry of the available-slots response.
type TimeSlot struct {
	StartTime   string `json:"start_time"`
	IsAvailable bool   `json:"is_available"`
}

// ReservationRequest is the body of POST /reservations/.
type ReservationRequest struct {
	ClubID          int64  `json:"club_id"`
	ReservationTime string `json:"reservation_time"`
	Date            string `json:"date"`
	Duration        int    `json:"duration"`
	PaymentMethod   string `json:"payment_method"`
	GuestName       string `json:"guest_name,omitempty"`
}

// Reservation is a created reservation.
type Reservation struct {
	ID              int64   `json:"id"`
	ClubID          int64   `json:"club_id"`
	UserID          *int64  `json:"user_id,omitempty"`
	ReservationTime string  `json:"reservation_time"`
	Duration        float64 `json:"duration"`
	GuestName       string  `json:"guest_name,omitempty"`
	PaymentMethod   string  `json:"payment_method"`
	EstimatedPrice  float64 `json:"estimated_price"`
	CreatedAt       string  `json:"created_at,omitempty"`
}

// CancelledReservation is the body returned by DELETE /reservations/{id}.
type CancelledReservation struct {
	ID        int64   `json:"id"`
	ClubID    int64   `json:"club_id"`
	ClubName  string  `json:"club_name,omitempty"`
	Date      string  `json:"date"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time,omitempty"`
	Duration  float64 `json:"duration"`
	Status    string  `json:"status,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Identifies reports whether the details name the freed club, date and start.
func (c *CancelledReservation) Identifies() bool {
	return c != nil && c.ClubID != 0 && c.Date != "" && c.StartTime != ""
}

// Hours returns the reservation length rounded to whole hours, at least 1.
func (c *CancelledReservation) Hours() int {
	if c == nil || c.Duration < 1 {
		return 1
	}
	return int(c.Duration + 0.5)
}

// UserReservation is an entry of GET /reservations/my-reservations.
type UserReservation struct {
	ID             int64   `json:"id"`
	ClubID         int64   `json:"club_id"`
	ClubName       string  `json:"club_name"`
	Date           string  `json:"date"`
	StartTime      string  `json:"start_time"`
	EndTime        string  `json:"end_time"`
	Duration       float64 `json:"duration"`
	Status         string  `json:"status"`
	EstimatedPrice float64 `json:"estimated_price"`
	PaymentMethod  string  `json:"payment_method"`
}

// User is the authenticated account returned by GET /users/me.
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	IsActive    bool   `json:"is_active"`
	IsClubOwner bool   `json:"is_club_owner"`
}

// Club is the subset of club details the booking flow needs.
type Club struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Town        string  `json:"town"`
	HourlyPrice float64 `json:"hourly_price"`
	Address     string  `json:"address,omitempty"`
}

// APIError is a non-2xx backend response. Detail carries the backend's
// "detail" message when it sent one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

// IsStatus reports whether err is an APIError with one of the given codes.
func IsStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.StatusCode == code {
			return true
		}
	}
	return false
}

// NewClient constructs a client for baseURL. timeout <= 0 uses 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UseRedisCache enables Redis caching of club details. Slot availability and
// anything token-scoped is never cached.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UseRateLimit throttles outgoing requests to rps with the given burst.
func (c *Client) UseRateLimit(rps float64, burst int) {
	if rps <= 0 {
		c.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// AvailableSlots fetches raw slots for a club on date (YYYY-MM-DD).
func (c *Client) AvailableSlots(ctx context.Context, clubID int64, date string) ([]TimeSlot, error) {
	endpoint := fmt.Sprintf("%s/reservations/available-slots/%d?date=%s", c.baseURL, clubID, url.QueryEscape(date))
	var resp []TimeSlot
	if err := c.doGet(ctx, endpoint, "", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateReservation submits a reservation. An empty token books as a guest.
func (c *Client) CreateReservation(ctx context.Context, token string, req ReservationRequest) (*Reservation, error) {
	endpoint := c.baseURL + "/reservations/"
	var resp Reservation
	if err := c.doPost(ctx, endpoint, token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelReservation deletes a reservation. The details are nil when the
// backend answered without a body.
func (c *Client) CancelReservation(ctx context.Context, token string, id int64) (*CancelledReservation, error) {
	endpoint := fmt.Sprintf("%s/reservations/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req, token)

	var details *CancelledReservation
	if err := c.do(req, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// CurrentUser validates token against GET /users/me.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.doGet(ctx, c.baseURL+"/users/me", token, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// MyReservations lists the token owner's reservations.
func (c *Client) MyReservations(ctx context.Context, token string) ([]UserReservation, error) {
	var resp []UserReservation
	if err := c.doGet(ctx, c.baseURL+"/reservations/my-reservations", token, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Club fetches club details, served from Redis when cached.
func (c *Client) Club(ctx context.Context, id int64) (*Club, error) {
	endpoint := fmt.Sprintf("%s/clubs/%d", c.baseURL, id)
	cacheKey := fmt.Sprintf("club:%d", id)
	var club Club

	if c.readCache(ctx, cacheKey, &club) {
		return &club, nil
	}

	if err := c.doGet(ctx, endpoint, "", &club); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, club)
	return &club, nil
}

// HealthCheck calls the backend's /health route, which lives at the server
// root rather than under the API prefix.
func (c *Client) HealthCheck(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path, u.RawQuery = "/health", ""
	endpoint := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) doGet(ctx context.Context, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req, token)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Client) addHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var msg string
		if json.Unmarshal(payload.Detail, &msg) == nil {
			apiErr.Detail = msg
		} else {
			apiErr.Detail = string(payload.Detail)
		}
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(body))
	return apiErr
}
