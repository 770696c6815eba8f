package services

import (
	"errors"
	"testing"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockChangePublisher is a mock implementation of ChangePublisher for testing
type MockChangePublisher struct {
	mock.Mock
}

func (m *MockChangePublisher) Publish(key string, event any) error {
	args := m.Called(key, event)
	return args.Error(0)
}

func newClient(userID uint, transferID uuid.UUID, buffer int) *SSEClient {
	return &SSEClient{
		ID:         uuid.NewString(),
		UserID:     userID,
		TransferID: transferID,
		Channel:    make(chan TransferChange, buffer),
	}
}

func TestSSEHub_RoutesByTransferAndOwner(t *testing.T) {
	hub := NewSSEHub()
	watched := uuid.New()
	other := uuid.New()

	transferClient := newClient(1, watched, 4)
	otherTransferClient := newClient(1, other, 4)
	ownerClient := newClient(1, uuid.Nil, 4)
	strangerClient := newClient(2, uuid.Nil, 4)
	for _, c := range []*SSEClient{transferClient, otherTransferClient, ownerClient, strangerClient} {
		hub.Register(c)
	}
	assert.Equal(t, 4, hub.GetClientCount())

	sent := hub.Broadcast(TransferChange{Kind: domain.NotifyProgressUpdated, TransferID: watched, UserID: 1})

	assert.Equal(t, 2, sent)
	assert.Len(t, transferClient.Channel, 1)
	assert.Len(t, ownerClient.Channel, 1)
	assert.Empty(t, otherTransferClient.Channel)
	assert.Empty(t, strangerClient.Channel)

	hub.Unregister(ownerClient.ID)
	hub.Unregister(ownerClient.ID)
	assert.Equal(t, 3, hub.GetClientCount())
}

func TestSSEHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewSSEHub()
	id := uuid.New()
	slow := newClient(1, id, 1)
	hub.Register(slow)

	change := TransferChange{Kind: domain.NotifyProgressUpdated, TransferID: id, UserID: 1}
	assert.Equal(t, 1, hub.Broadcast(change))
	assert.Equal(t, 0, hub.Broadcast(change))
	assert.Len(t, slow.Channel, 1)
}

func TestTransferNotifyService_PublishesToSinks(t *testing.T) {
	sink := new(MockChangePublisher)
	failing := new(MockChangePublisher)
	n := NewTransferNotifyService(failing, sink)

	tr := &models.Transfer{
		ID:              uuid.New(),
		UserID:          7,
		ReferenceNumber: "TRF-261018-0001",
		Status:          domain.TransferPending,
		ProgressPercent: 25,
		RequiredCodes:   2,
	}
	change := ChangeFromTransfer(domain.NotifyProgressUpdated, tr, "")

	failing.On("Publish", tr.ID.String(), change).Return(errors.New("broker down"))
	sink.On("Publish", tr.ID.String(), change).Return(nil)

	client := newClient(7, tr.ID, 2)
	n.Hub.Register(client)

	n.Publish(change)

	sink.AssertExpectations(t)
	failing.AssertExpectations(t)
	assert.Len(t, client.Channel, 1)
	assert.Equal(t, 1, change.NextSequence)
}

func TestTransferNotifyService_DropsUnknownKinds(t *testing.T) {
	sink := new(MockChangePublisher)
	n := NewTransferNotifyService(sink)

	n.Publish(TransferChange{Kind: "bogus", TransferID: uuid.New()})

	sink.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}
