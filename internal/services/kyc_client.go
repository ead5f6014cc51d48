package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KYCClient asks the external KYC service whether an address is verified.
type KYCClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewKYCClient(baseURL string, log *zap.Logger) *KYCClient {
	return &KYCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type kycStatus struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// IsVerified treats an unknown address (404) as unverified.
func (c *KYCClient) IsVerified(ctx context.Context, address string) (bool, error) {
	u := fmt.Sprintf("%s/internal/kyc/%s", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("kyc service returned %d: %s", resp.StatusCode, string(body))
	}

	var status kycStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, err
	}
	return status.Verified, nil
}
