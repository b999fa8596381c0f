package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
)

// Error codes shared by the API and this client.
const (
	CodeDuplicateToday = "duplicate_today"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeInvalid        = "invalid"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal"
)

// RegistrationHeader carries the shared device registration key.
const RegistrationHeader = "X-Registration-Key"

// APIError is a non-2xx answer from the API. It unwraps to the model
// sentinel matching its code, if any.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return SentinelFor(e.Code, e.Status)
}

// SentinelFor maps an error code, or failing that an HTTP status, to a
// model sentinel error.
func SentinelFor(code string, status int) error {
	switch code {
	case CodeDuplicateToday:
		return model.ErrDuplicateToday
	case CodeConflict:
		return model.ErrConflict
	case CodeNotFound:
		return model.ErrNotFound
	case CodeInvalid:
		return model.ErrInvalid
	}
	switch status {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		return model.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return model.ErrInvalid
	}
	return nil
}

// Client calls the attendance API as a registered device.
type Client struct {
	BaseURL         string
	DeviceID        string
	RegistrationKey string
	HTTP            *http.Client

	mu      sync.Mutex
	access  string
	refresh string
}

// New creates a client with a bounded request timeout.
func New(baseURL, deviceID, registrationKey string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		DeviceID:        deviceID,
		RegistrationKey: registrationKey,
		HTTP:            &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Register obtains a fresh token pair for the device.
func (c *Client) Register(ctx context.Context) error {
	var out tokenResponse
	hdr := http.Header{}
	if c.RegistrationKey != "" {
		hdr.Set(RegistrationHeader, c.RegistrationKey)
	}
	if err := c.send(ctx, http.MethodPost, "/v1/devices/register", hdr, map[string]string{"device_id": c.DeviceID}, &out); err != nil {
		return fmt.Errorf("register device %s: %w", c.DeviceID, err)
	}
	c.setTokens(out)
	return nil
}

func (c *Client) refreshTokens(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()
	if refresh == "" {
		return c.Register(ctx)
	}
	var out tokenResponse
	err := c.send(ctx, http.MethodPost, "/v1/devices/refresh", nil, map[string]string{"refresh_token": refresh}, &out)
	if err != nil {
		// refresh token expired or revoked; start over
		return c.Register(ctx)
	}
	c.setTokens(out)
	return nil
}

func (c *Client) setTokens(t tokenResponse) {
	c.mu.Lock()
	c.access, c.refresh = t.AccessToken, t.RefreshToken
	c.mu.Unlock()
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.access
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if err := c.Register(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access, nil
}

// do performs an authenticated call, refreshing the token once on 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	err = c.send(ctx, method, path, hdr, in, out)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	if err := c.refreshTokens(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	hdr.Set("Authorization", "Bearer "+c.access)
	c.mu.Unlock()
	return c.send(ctx, method, path, hdr, in, out)
}

func (c *Client) send(ctx context.Context, method, path string, hdr http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// ---- directory ----

// LookupCard finds the student holding uid. A miss is (nil, nil).
func (c *Client) LookupCard(ctx context.Context, uid string) (*model.Student, error) {
	var out struct {
		Found   bool           `json:"found"`
		Student *model.Student `json:"student"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/students/check-uid", map[string]string{"uid": uid}, &out)
	// a bare 404 from a wrong base URL must not read as an unknown card
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, nil
	}
	return out.Student, nil
}

func (c *Client) ListStudents(ctx context.Context) ([]model.Student, error) {
	var out []model.Student
	err := c.do(ctx, http.MethodGet, "/v1/students", nil, &out)
	return out, err
}

func (c *Client) CreateStudent(ctx context.Context, in model.StudentInput) (model.Student, error) {
	var out model.Student
	err := c.do(ctx, http.MethodPost, "/v1/students", in, &out)
	return out, err
}

func (c *Client) UpdateStudent(ctx context.Context, id string, patch model.StudentPatch) (model.Student, error) {
	var out model.Student
	err := c.do(ctx, http.MethodPut, "/v1/students/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *Client) DeleteStudent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/students/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListPrograms(ctx context.Context) ([]model.Program, error) {
	var out []model.Program
	err := c.do(ctx, http.MethodGet, "/v1/programs", nil, &out)
	return out, err
}

func (c *Client) CreateProgram(ctx context.Context, in model.ProgramInput) (model.Program, error) {
	var out model.Program
	err := c.do(ctx, http.MethodPost, "/v1/programs", in, &out)
	return out, err
}

func (c *Client) UpdateProgram(ctx context.Context, id string, in model.ProgramInput) (model.Program, error) {
	var out model.Program
	err := c.do(ctx, http.MethodPut, "/v1/programs/"+url.PathEscape(id), in, &out)
	return out, err
}

func (c *Client) DeleteProgram(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/programs/"+url.PathEscape(id), nil, nil)
}

// ---- attendance ----

// CreateAttendance records a scan. A same-day duplicate fails with
// model.ErrDuplicateToday.
func (c *Client) CreateAttendance(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error) {
	var out model.AttendanceRecord
	err := c.do(ctx, http.MethodPost, "/v1/attendance", in, &out)
	return out, err
}

func (c *Client) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	q := url.Values{}
	if f.Date != "" {
		q.Set("date", f.Date)
	}
	if f.StudentID != "" {
		q.Set("studentId", f.StudentID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/attendance"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []model.AttendanceRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) DeleteAttendance(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/attendance/"+url.PathEscape(id), nil, nil)
}

// DeleteAllAttendance clears the attendance log and returns the count removed.
func (c *Client) DeleteAllAttendance(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/attendance", nil, &out)
	return out.Deleted, err
}

func (c *Client) Stats(ctx context.Context, date string) (model.AttendanceStats, error) {
	path := "/v1/attendance/stats"
	if date != "" {
		path += "?date=" + url.QueryEscape(date)
	}
	var out model.AttendanceStats
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
