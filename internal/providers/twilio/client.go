package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client
	BaseURL    string
	// StatusCallbackURL receives delivery status updates when set.
	StatusCallbackURL string
}

type SendRequest struct {
	From string
	To   string
	Body string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

type Account struct {
	Sid          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	HTTPStatus int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twilio %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("twilio %d", e.HTTPStatus)
}

// Unauthorized reports whether the account credentials were rejected.
func (e *APIError) Unauthorized() bool {
	return e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden
}

// whatsapp prefixes an E.164 number with the WhatsApp channel marker.
func whatsapp(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/2010-04-01/Accounts/" + c.AccountSID + path
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.SetBasicAuth(c.AccountSID, c.AuthToken)
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(b, apiErr)
		return resp.StatusCode, b, apiErr
	}
	return resp.StatusCode, b, nil
}

// SendWhatsApp posts one WhatsApp message. From and To are E.164 numbers.
func (c *Client) SendWhatsApp(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	form := url.Values{}
	form.Set("From", whatsapp(req.From))
	form.Set("To", whatsapp(req.To))
	form.Set("Body", req.Body)
	if c.StatusCallbackURL != "" {
		form.Set("StatusCallback", c.StatusCallbackURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/Messages.json"), strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, raw, err := c.do(httpReq)
	var out SendResponse
	_ = json.Unmarshal(raw, &out)
	return out, status, raw, err
}

// FetchAccount reads the account resource; it doubles as a credentials and
// connectivity check.
func (c *Client) FetchAccount(ctx context.Context) (Account, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(".json"), nil)
	if err != nil {
		return Account{}, 0, err
	}
	status, raw, err := c.do(httpReq)
	if err != nil {
		return Account{}, status, err
	}
	var acc Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return Account{}, status, fmt.Errorf("decode account: %w", err)
	}
	return acc, status, nil
}

// ShouldRetry decides whether a failed call is worth repeating.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	if err == nil || httpStatus != 0 {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
