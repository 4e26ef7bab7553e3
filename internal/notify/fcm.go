package notify

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
)

const defaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// fcmGateway talks to the FCM legacy HTTP API. The request shape is
// {"to": <token>, "notification": {...}, "data": {...}} with the server key
// in the Authorization header.
type fcmGateway struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

func NewFCM(serverKey, endpoint string) (Gateway, error) {
	if strings.TrimSpace(serverKey) == "" {
		return nil, errors.New("fcm: server key is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultFCMEndpoint
	}
	return &fcmGateway{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (g *fcmGateway) Name() string { return "fcm" }

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

func (g *fcmGateway) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Token) == "" {
		return ErrNoRecipient
	}
	body, err := json.Marshal(fcmRequest{
		To:           msg.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.serverKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out fcmResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some proxies return an empty 200 body; treat it as delivered.
		return nil
	}
	if out.Failure > 0 {
		reason := "unknown"
		if len(out.Results) > 0 && out.Results[0].Error != "" {
			reason = out.Results[0].Error
		}
		return fmt.Errorf("fcm: delivery rejected: %s", reason)
	}
	return nil
}
