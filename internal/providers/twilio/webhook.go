package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"wanotify/internal/driver"
)

// Sign computes an X-Twilio-Signature value: base64(HMAC-SHA1(url + sorted
// key/value pairs)).
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks X-Twilio-Signature against the public URL Twilio
// posted to.
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	v := client.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, provided)
}

var ErrNotWhatsApp = errors.New("not a whatsapp message")

// Inbound is a parsed incoming-message webhook.
type Inbound struct {
	To      string
	Message driver.InboundMessage
}

func ParseInbound(form url.Values, receivedAt time.Time) (Inbound, error) {
	from := form.Get("From")
	if !strings.HasPrefix(from, "whatsapp:") {
		return Inbound{}, ErrNotWhatsApp
	}
	addr, err := driver.AddressFromPhone(strings.TrimPrefix(from, "whatsapp:"))
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{
		To: strings.TrimPrefix(form.Get("To"), "whatsapp:"),
		Message: driver.InboundMessage{
			ID:          form.Get("MessageSid"),
			From:        addr,
			ProfileName: form.Get("ProfileName"),
			Body:        form.Get("Body"),
			ReceivedAt:  receivedAt,
		},
	}, nil
}

// StatusEvent is a parsed delivery status callback.
type StatusEvent struct {
	MessageSid string
	Status     string
	ErrorCode  string
	To         string
}

func ParseStatus(form url.Values) StatusEvent {
	return StatusEvent{
		MessageSid: form.Get("MessageSid"),
		Status:     form.Get("MessageStatus"),
		ErrorCode:  form.Get("ErrorCode"),
		To:         strings.TrimPrefix(form.Get("To"), "whatsapp:"),
	}
}

// Failed reports a terminal delivery failure.
func (e StatusEvent) Failed() bool {
	return e.Status == "failed" || e.Status == "undelivered"
}
