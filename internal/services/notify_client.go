package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/models"
)

// NotifyClient forwards sale notifications to an external webhook.
type NotifyClient struct {
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifyClient(webhookURL string, log *zap.Logger) *NotifyClient {
	return &NotifyClient{
		url: strings.TrimRight(webhookURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type saleNotification struct {
	RecordID string `json:"record_id"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
	AssetID  int64  `json:"asset_id"`
	Value    string `json:"value"`
	TxRef    string `json:"tx_ref"`
	Text     string `json:"text"`
}

// NotifySale delivers one notification. Non-2xx responses are errors so the caller can retry.
func (c *NotifyClient) NotifySale(ctx context.Context, rec models.TransactionRecord) error {
	body, err := json.Marshal(saleNotification{
		RecordID: rec.ID.String(),
		Seller:   rec.From,
		Buyer:    rec.To,
		AssetID:  rec.AssetID,
		Value:    rec.Value.String(),
		TxRef:    rec.TxRef,
		Text:     fmt.Sprintf("Property #%d was sold for %s", rec.AssetID, rec.Value.String()),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("failed to send sale notification", zap.String("tx_ref", rec.TxRef), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
