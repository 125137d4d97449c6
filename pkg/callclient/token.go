package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPTokenSource fetches media credentials from the call service
type HTTPTokenSource struct {
	BaseURL     string
	AccessToken string
	Name        string
	Client      *http.Client
}

type tokenEnvelope struct {
	Success bool        `json:"success"`
	Data    Credentials `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Token requests a room token for the chat's active call
func (s *HTTPTokenSource) Token(ctx context.Context, chatID uuid.UUID) (Credentials, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	body, err := json.Marshal(map[string]string{"name": s.Name})
	if err != nil {
		return Credentials{}, err
	}
	url := strings.TrimSuffix(s.BaseURL, "/") + "/v1/calls/" + chatID.String() + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)

	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	var env tokenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Credentials{}, fmt.Errorf("decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		if env.Error != nil {
			return Credentials{}, fmt.Errorf("token request failed: %s: %s", env.Error.Code, env.Error.Message)
		}
		return Credentials{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	return env.Data, nil
}
