/*

This file contains the dead-man's-switch notifier. Each successful run
pings the program's healthcheck URL; failures post the error to the /fail
endpoint. Pings are fire-and-forget: a monitoring outage must never stall
or fail the pipeline itself.

*/

package healthcheck

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltalend/incentives/internal/logger"
)

// Notifier pings an external healthcheck service. An empty URL disables it.
type Notifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewNotifier creates a notifier for the given ping URL.
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.GetForComponent("healthcheck"),
	}
}

// NotifySuccess pings the healthcheck URL in the background.
func (n *Notifier) NotifySuccess() {
	if n.url == "" {
		return
	}

	go func() {
		resp, err := n.client.Get(n.url)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Healthcheck success ping failed")
			return
		}
		resp.Body.Close()
	}()
}

// NotifyFailure posts the failure payload to the /fail endpoint in the
// background.
func (n *Notifier) NotifyFailure(payload map[string]any) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Cannot marshal healthcheck failure payload")
		return
	}

	go func() {
		resp, err := n.client.Post(n.url+"/fail", "application/json", bytes.NewReader(body))
		if err != nil {
			n.logger.Warn().Err(err).Msg("Healthcheck failure ping failed")
			return
		}
		resp.Body.Close()
	}()
}
