package dashboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/session"
)

// Request timeouts by kind of call.
const (
	ProbeTimeout     = 2 * time.Second
	MutationTimeout  = 10 * time.Second
	DashboardTimeout = 15 * time.Second
	SendTimeout      = 30 * time.Second
)

var (
	// ErrUnauthorized means the server rejected the credentials. The
	// session is over.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTimeout means the request hit its deadline and its outcome is
	// unknown.
	ErrTimeout = errors.New("request timed out")
	// ErrValidation means the request was rejected as invalid.
	ErrValidation = errors.New("validation failed")
)

// NetworkError is a failure to reach the server.
type NetworkError struct {
	Op  string
	Err error
	// Offline is set when the failure looks like no connectivity at all
	// (dial or DNS failure).
	Offline bool
}

func (e *NetworkError) Error() string { return e.Op + ": network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is any other non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls the site's admin API. The session token is read from the
// token store on every request.
type Client struct {
	baseURL   string
	apiSecret string
	http      *http.Client
	tokens    *session.TokenStore
}

// NewClient creates a Client. A nil httpClient uses a default one; per-call
// deadlines come from contexts.
func NewClient(baseURL, apiSecret string, tokens *session.TokenStore, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		http:      httpClient,
		tokens:    tokens,
	}
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	op := method + " " + path

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiSecret)
	}
	if tok, err := c.tokens.Load(ctx); err == nil {
		req.Header.Set("X-Admin-Session", tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(ctx, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return classify(ctx, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %s", op, ErrValidation, errorMessage(raw))
	case resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, context.DeadlineExceeded)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	ne := &NetworkError{Op: op, Err: err}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		ne.Offline = true
	}
	return ne
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// Authenticate exchanges the admin password for a session token.
func (c *Client) Authenticate(ctx context.Context, password string) (string, time.Time, error) {
	var resp struct {
		Success   bool      `json:"success"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.do(ctx, http.MethodPost, "/admin/authenticate", MutationTimeout, map[string]string{"password": password}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	if !resp.Success || resp.Token == "" {
		return "", time.Time{}, fmt.Errorf("authenticate: %w", ErrUnauthorized)
	}
	return resp.Token, resp.ExpiresAt, nil
}

// Logout revokes the current session on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/logout", MutationTimeout, nil, nil)
}

// DashboardData calls the batch endpoint.
func (c *Client) DashboardData(ctx context.Context) (*model.DashboardData, error) {
	var data model.DashboardData
	if err := c.do(ctx, http.MethodGet, "/admin/dashboard-data", DashboardTimeout, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) Subscribers(ctx context.Context) (model.SubscribersSection, error) {
	var s model.SubscribersSection
	err := c.do(ctx, http.MethodGet, "/subscribers", DashboardTimeout, nil, &s)
	return s, err
}

func (c *Client) Newsletters(ctx context.Context) (model.NewslettersSection, error) {
	var s model.NewslettersSection
	err := c.do(ctx, http.MethodGet, "/newsletters", DashboardTimeout, nil, &s)
	return s, err
}

func (c *Client) Contacts(ctx context.Context) (model.ContactsSection, error) {
	var s model.ContactsSection
	err := c.do(ctx, http.MethodGet, "/contacts", DashboardTimeout, nil, &s)
	return s, err
}

// UpdateContact sets a contact's status and optional notes.
func (c *Client) UpdateContact(ctx context.Context, id string, status model.ContactStatus, notes *string) (model.Contact, error) {
	var resp struct {
		Contact model.Contact `json:"contact"`
	}
	body := struct {
		Status model.ContactStatus `json:"status"`
		Notes  *string             `json:"notes,omitempty"`
	}{status, notes}
	err := c.do(ctx, http.MethodPut, "/contacts/"+id, MutationTimeout, body, &resp)
	return resp.Contact, err
}

// SendNewsletter sends a newsletter to every subscriber.
func (c *Client) SendNewsletter(ctx context.Context, subject, content, previewText string) (model.Newsletter, error) {
	var resp struct {
		Newsletter model.Newsletter `json:"newsletter"`
	}
	body := map[string]string{"subject": subject, "content": content, "previewText": previewText}
	err := c.do(ctx, http.MethodPost, "/newsletters/send", SendTimeout, body, &resp)
	return resp.Newsletter, err
}

// Ping is the lightweight connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", ProbeTimeout, nil, nil)
}
