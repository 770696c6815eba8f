package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"spsc-transferflow/internal/core/domain"

	"github.com/shopspring/decimal"
)

const lineNotifyEndpoint = "https://notify-api.line.me/api/notify"

// ============================================================
// Code delivery
// ============================================================

// DeliveryRouter picks a CodeDeliverer per channel and falls back to a
// default one for channels without a dedicated sender
type DeliveryRouter struct {
	routes   map[domain.DeliveryMethod]CodeDeliverer
	fallback CodeDeliverer
}

// NewDeliveryRouter creates a router with fallback for unrouted channels
func NewDeliveryRouter(fallback CodeDeliverer) *DeliveryRouter {
	return &DeliveryRouter{
		routes:   make(map[domain.DeliveryMethod]CodeDeliverer),
		fallback: fallback,
	}
}

// Route registers d for channel
func (r *DeliveryRouter) Route(channel domain.DeliveryMethod, d CodeDeliverer) *DeliveryRouter {
	r.routes[channel] = d
	return r
}

// DeliverCode implements CodeDeliverer
func (r *DeliveryRouter) DeliverCode(ctx context.Context, userID uint, channel domain.DeliveryMethod, payload CodePayload) error {
	if d, ok := r.routes[channel]; ok {
		return d.DeliverCode(ctx, userID, channel, payload)
	}
	if r.fallback == nil {
		return fmt.Errorf("no deliverer for channel %s", channel)
	}
	return r.fallback.DeliverCode(ctx, userID, channel, payload)
}

// LINENotifyDeliverer sends codes through LINE Notify
type LINENotifyDeliverer struct {
	token    string
	endpoint string
	client   *http.Client
}

// NewLINENotifyDeliverer creates a LINE Notify sender
func NewLINENotifyDeliverer(token string) *LINENotifyDeliverer {
	return &LINENotifyDeliverer{
		token:    token,
		endpoint: lineNotifyEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled checks if a token is configured
func (d *LINENotifyDeliverer) IsEnabled() bool {
	return d.token != ""
}

// DeliverCode implements CodeDeliverer
func (d *LINENotifyDeliverer) DeliverCode(ctx context.Context, userID uint, channel domain.DeliveryMethod, payload CodePayload) error {
	if !d.IsEnabled() {
		log.Println("⚠️ LINE Notify skipped (no token)")
		return nil
	}

	message := fmt.Sprintf("\n🔐 %s\nรหัสยืนยัน: %s\nหมดอายุ: %s",
		payload.Context,
		payload.Code,
		payload.ExpiresAt.Format("15:04"),
	)

	data := url.Values{}
	data.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LINE Notify status: %d", resp.StatusCode)
	}
	log.Printf("✅ Code %d for %s sent via LINE", payload.Sequence, payload.Reference)
	return nil
}

// LogDeliverer writes codes to the log. Secrets are masked unless reveal is set (dev only).
type LogDeliverer struct {
	reveal bool
}

// NewLogDeliverer creates a log-only deliverer
func NewLogDeliverer(reveal bool) *LogDeliverer {
	return &LogDeliverer{reveal: reveal}
}

// DeliverCode implements CodeDeliverer
func (d *LogDeliverer) DeliverCode(ctx context.Context, userID uint, channel domain.DeliveryMethod, payload CodePayload) error {
	code := "******"
	if d.reveal {
		code = payload.Code
	}
	log.Printf("📨 [%s] user=%d %s code=%s expires=%s",
		channel, userID, payload.Context, code, payload.ExpiresAt.Format(time.RFC3339))
	return nil
}

// ============================================================
// Fees
// ============================================================

// LogFeeRecorder records fees to the log only
type LogFeeRecorder struct{}

// RecordFee implements FeeRecorder
func (LogFeeRecorder) RecordFee(ctx context.Context, userID uint, feeType string, amount decimal.Decimal, reason string) error {
	log.Printf("💰 Fee %s %s for user %d (%s)", feeType, amount.StringFixed(2), userID, reason)
	return nil
}
