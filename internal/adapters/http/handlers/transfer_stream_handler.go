package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"spsc-transferflow/internal/adapters/http/middleware"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/core/services"
	"spsc-transferflow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const sseHeartbeatInterval = 30 * time.Second

// TransferStreamHandler serves live progress over Server-Sent Events
type TransferStreamHandler struct {
	transferService *services.TransferService
	notifyService   *services.TransferNotifyService
}

// NewTransferStreamHandler creates a new stream handler
func NewTransferStreamHandler(transferService *services.TransferService, notifyService *services.TransferNotifyService) *TransferStreamHandler {
	return &TransferStreamHandler{
		transferService: transferService,
		notifyService:   notifyService,
	}
}

// ============================================================
// GET /api/v1/transfers/:id/stream - SSE ของรายการเดียว
// ============================================================

// TransferStream streams changes of one transfer
// @Summary Stream transfer progress
// @Description Server-Sent Events. The first event is a snapshot of the transfer.
// @Tags Transfers
// @Produce text/event-stream
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Router /transfers/{id}/stream [get]
func (h *TransferStreamHandler) TransferStream(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid transfer ID")
	}

	state, err := h.transferService.GetTransferState(c.UserContext(), user, id)
	if err != nil {
		return writeServiceError(c, err, "Failed to open stream")
	}

	snapshot := services.ChangeFromTransfer(domain.NotifyStatusChanged, state.Transfer, "snapshot")
	client := &services.SSEClient{
		ID:         fmt.Sprintf("transfer-%s-%d", id, time.Now().UnixNano()),
		UserID:     user.ID,
		TransferID: id,
		Channel:    make(chan services.TransferChange, 50),
	}
	return h.stream(c, client, &snapshot)
}

// ============================================================
// GET /api/v1/transfers/stream - SSE ของผู้ใช้ทั้งหมด
// ============================================================

// UserStream streams changes of every transfer owned by the caller
// @Summary Stream all my transfers
// @Tags Transfers
// @Produce text/event-stream
// @Security BearerAuth
// @Router /transfers/stream [get]
func (h *TransferStreamHandler) UserStream(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	client := &services.SSEClient{
		ID:      fmt.Sprintf("user-%d-%d", user.ID, time.Now().UnixNano()),
		UserID:  user.ID,
		Channel: make(chan services.TransferChange, 50),
	}
	return h.stream(c, client, nil)
}

func (h *TransferStreamHandler) stream(c *fiber.Ctx, client *services.SSEClient, snapshot *services.TransferChange) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	// Register before the writer runs so no change is lost between the
	// snapshot and the first read.
	h.notifyService.Hub.Register(client)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.notifyService.Hub.Unregister(client.ID)

		writeSSE(w, "connected", fiber.Map{"client_id": client.ID})
		if snapshot != nil {
			writeSSE(w, "snapshot", snapshot)
		}
		if err := w.Flush(); err != nil {
			return
		}

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case change, ok := <-client.Channel:
				if !ok {
					return
				}
				writeSSE(w, string(change.Kind), change)
				if err := w.Flush(); err != nil {
					log.Printf("📡 SSE client disconnected: %s", client.ID)
					return
				}

			case <-heartbeat.C:
				fmt.Fprintf(w, ": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					log.Printf("📡 SSE client disconnected: %s", client.ID)
					return
				}
			}
		}
	}))

	return nil
}

// writeSSE writes one event frame
func writeSSE(w *bufio.Writer, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("❌ SSE marshal error [%s]: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
