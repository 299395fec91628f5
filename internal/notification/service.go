package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"payvault/internal/logger"
	"payvault/internal/metrics"
)

const (
	queueKey       = "transaction_events"
	failedQueueKey = "transaction_events:failed"
)

// Event is pushed for every transaction that reaches a terminal COMMITTED or
// REJECTED state, for feature services that subscribed via webhook.
type Event struct {
	Reference string    `json:"reference"`
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Reasons   []string  `json:"reasons,omitempty"`
	At        time.Time `json:"at"`
	Tries     int       `json:"tries"`
}

type Service struct {
	redis      *redis.Client
	webhookURL string
	client     *http.Client
}

func New(redisAddr, webhookURL string) *Service {
	return &Service{
		redis: redis.NewClient(&redis.Options{
			Addr: redisAddr,
		}),
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *Service) Publish(ctx context.Context, event Event) error {
	event.At = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("Failed to marshal transaction event: %v", err)
		return err
	}

	if err := s.redis.LPush(ctx, queueKey, data).Err(); err != nil {
		logger.Errorf("Failed to queue event for %s: %v", event.Reference, err)
		return err
	}

	logger.Info("Transaction event queued", "reference", event.Reference, "status", event.Status)
	return nil
}

func (s *Service) Start(ctx context.Context) {
	logger.Info("Notification service started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Notification service stopped")
			return
		default:
			s.processNext(ctx)
		}
	}
}

func (s *Service) processNext(ctx context.Context) {
	result, err := s.redis.BRPop(ctx, 2*time.Second, queueKey).Result()
	if err != nil {
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
		logger.Errorf("Bad event data: %v", err)
		return
	}

	event.Tries++
	if err := s.deliver(event); err != nil {
		logger.Errorf("Failed to deliver event %s: %v", event.Reference, err)

		if event.Tries < 3 {
			time.Sleep(5 * time.Second)
			data, _ := json.Marshal(event)
			s.redis.LPush(context.Background(), queueKey, data)
		} else {
			logger.Errorf("Event %s failed after 3 attempts", event.Reference)
			s.saveFailed(event, err)
		}
		return
	}

	metrics.NotificationsDeliveredTotal.Inc()
	logger.Info("Transaction event delivered", "reference", event.Reference)
}

// deliver POSTs the event to the subscriber webhook. With no webhook
// configured the event is considered delivered once logged.
func (s *Service) deliver(event Event) error {
	if s.webhookURL == "" {
		logger.Info("Transaction event",
			"reference", event.Reference,
			"type", event.Type,
			"status", event.Status,
			"amount", event.Amount+" "+event.Currency,
		)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PayVault-Webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func (s *Service) saveFailed(event Event, err error) {
	failed := map[string]interface{}{
		"event": event,
		"error": err.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	s.redis.LPush(context.Background(), failedQueueKey, data)
	logger.Errorf("Event moved to failed queue: %s", event.Reference)
}

func (s *Service) QueueLength(ctx context.Context) int64 {
	length, _ := s.redis.LLen(ctx, queueKey).Result()
	return length
}

func (s *Service) Close() error {
	return s.redis.Close()
}
