package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Notifier sends outcome messages to the user's messaging-app identity.
// Best-effort: failures are logged and swallowed, and Send never gates the
// workflow's terminal state.
type Notifier struct {
	GatewayURL   string
	DeepLinkBase string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Logger       *log.Logger
}

func New(gatewayURL, deepLinkBase string) *Notifier {
	return &Notifier{
		GatewayURL:   gatewayURL,
		DeepLinkBase: deepLinkBase,
		Timeout:      10 * time.Second,
	}
}

func (n *Notifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

// Send posts the message to the messaging gateway. Errors are logged, not
// returned; callers fire this after the outcome is already decided.
func (n *Notifier) Send(ctx context.Context, phone, message string) {
	if n.GatewayURL == "" {
		n.logger().Printf("notify %s: gateway not configured, dropping message", phone)
		return
	}
	client := n.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"to": phone, "text": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.GatewayURL, bytes.NewReader(body))
	if err != nil {
		n.logger().Printf("notify %s: %v", phone, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		n.logger().Printf("notify %s: %v", phone, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger().Printf("notify %s: gateway status %d", phone, resp.StatusCode)
	}
}

// DeepLink builds a messaging-app handoff link with a pre-filled text
// payload for terminal screens.
func (n *Notifier) DeepLink(phone, text string) string {
	base := strings.TrimRight(n.DeepLinkBase, "/")
	if base == "" {
		base = "https://wa.me"
	}
	return fmt.Sprintf("%s/%s?text=%s", base, strings.TrimPrefix(phone, "+"), url.QueryEscape(text))
}
