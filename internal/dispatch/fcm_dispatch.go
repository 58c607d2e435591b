package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// FCMDispatcher posts a data message to the FCM HTTP endpoint for drivers
// who registered a push token but have no live socket.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

// NotifyToken targets a registered device token directly.
func (f *FCMDispatcher) NotifyToken(token string, notice RequestNotice) error {
	body := map[string]any{
		"message": map[string]any{
			"token": token,
			"data": map[string]any{
				"request_id": notice.RequestID,
				"ride_id":    notice.RideID,
				"sender_id":  notice.SenderID,
			},
		},
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
