package services

import (
	"log"
	"sync"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
)

// ============================================================
// Transfer changes
// ============================================================

// TransferChange is the payload pushed to observers after a committed change
type TransferChange struct {
	Kind            domain.NotificationKind `json:"kind"`
	TransferID      uuid.UUID               `json:"transfer_id"`
	UserID          uint                    `json:"user_id"`
	ReferenceNumber string                  `json:"reference_number"`
	Status          domain.TransferStatus   `json:"status"`
	ProgressPercent int                     `json:"progress_percent"`
	CodesValidated  int                     `json:"codes_validated"`
	RequiredCodes   int                     `json:"required_codes"`
	NextSequence    int                     `json:"next_sequence,omitempty"`
	Message         string                  `json:"message,omitempty"`
	OccurredAt      time.Time               `json:"occurred_at"`
}

// ChangeFromTransfer snapshots t into a change of the given kind
func ChangeFromTransfer(kind domain.NotificationKind, t *models.Transfer, message string) TransferChange {
	c := TransferChange{
		Kind:            kind,
		TransferID:      t.ID,
		UserID:          t.UserID,
		ReferenceNumber: t.ReferenceNumber,
		Status:          t.Status,
		ProgressPercent: t.ProgressPercent,
		CodesValidated:  t.CodesValidated,
		RequiredCodes:   t.RequiredCodes,
		Message:         message,
		OccurredAt:      time.Now(),
	}
	if t.Status == domain.TransferPending && t.CodesValidated < t.RequiredCodes {
		c.NextSequence = t.CodesValidated + 1
	}
	return c
}

// ============================================================
// SSE Hub
// ============================================================

// SSEClient represents a connected SSE client. A client with a nil
// TransferID follows every transfer of UserID.
type SSEClient struct {
	ID         string
	UserID     uint
	TransferID uuid.UUID
	Channel    chan TransferChange
}

func (c *SSEClient) wants(change TransferChange) bool {
	if c.TransferID != uuid.Nil {
		return c.TransferID == change.TransferID
	}
	return c.UserID == change.UserID
}

// SSEHub manages all SSE connections
type SSEHub struct {
	mu      sync.RWMutex
	clients map[string]*SSEClient
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]*SSEClient),
	}
}

// Register adds a new SSE client
func (h *SSEHub) Register(client *SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	log.Printf("📡 SSE client registered: %s (user=%d, transfer=%s) | total=%d",
		client.ID, client.UserID, client.TransferID, len(h.clients))
}

// Unregister removes an SSE client
func (h *SSEHub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Channel)
		delete(h.clients, clientID)
		log.Printf("📡 SSE client unregistered: %s | total=%d", clientID, len(h.clients))
	}
}

// Broadcast delivers change to every client following the transfer or its
// owner. A slow client misses the message instead of blocking the sender.
func (h *SSEHub) Broadcast(change TransferChange) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, client := range h.clients {
		if !client.wants(change) {
			continue
		}
		select {
		case client.Channel <- change:
			sent++
		default:
			log.Printf("⚠️ SSE channel full for client %s, skipping", client.ID)
		}
	}
	return sent
}

// GetClientCount returns the number of connected clients
func (h *SSEHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ============================================================
// TransferNotifyService - SSE + downstream stream
// ============================================================

// TransferNotifyService fans committed transfer changes out to observers.
// Publish never blocks on a consumer and never fails the caller.
type TransferNotifyService struct {
	Hub   *SSEHub
	sinks []ChangePublisher
}

// NewTransferNotifyService creates a new notification service
func NewTransferNotifyService(sinks ...ChangePublisher) *TransferNotifyService {
	return &TransferNotifyService{
		Hub:   NewSSEHub(),
		sinks: sinks,
	}
}

// Publish pushes change to SSE observers and downstream sinks
func (n *TransferNotifyService) Publish(change TransferChange) {
	if !change.Kind.Valid() {
		log.Printf("⚠️ Dropping change with unknown kind %q", change.Kind)
		return
	}

	n.Hub.Broadcast(change)

	for _, sink := range n.sinks {
		if err := sink.Publish(change.TransferID.String(), change); err != nil {
			log.Printf("❌ Change sink publish error [%s %s]: %v", change.Kind, change.ReferenceNumber, err)
		}
	}
}
