// Package api exposes the gateway over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"

	"github.com/lanternhq/modelgate/internal/gateway"
	"github.com/lanternhq/modelgate/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// GenerateHandler handles the four generation endpoints plus their
// streaming variants.
type GenerateHandler struct {
	gw *gateway.Gateway
}

// NewGenerateHandler creates the handler around a wired gateway facade.
func NewGenerateHandler(gw *gateway.Gateway) *GenerateHandler {
	return &GenerateHandler{gw: gw}
}

// requestID prefers the caller-supplied header, then the requestid
// middleware local, then generates one.
func requestID(c *fiber.Ctx) string {
	if id := c.Get("X-Request-ID"); id != "" {
		return id
	}
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// handleError maps the gateway error taxonomy onto HTTP responses.
func handleError(c *fiber.Ctx, reqID string, err error) error {
	var gerr *models.GatewayError
	if !errors.As(err, &gerr) {
		fiberlog.Errorf("[%s] unclassified error: %v", reqID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"kind": "internal", "message": "internal error", "request_id": reqID},
		})
	}

	status := gerr.GetStatusCode()
	fiberlog.Errorf("[%s] request failed (%d %s): %s", reqID, status, gerr.Kind, gerr.Error())
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"kind":       gerr.Kind,
			"message":    gerr.Message,
			"provider":   gerr.Provider,
			"retryable":  gerr.Retryable,
			"request_id": reqID,
		},
	})
}

// Text handles POST /v1/text.
func (h *GenerateHandler) Text(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting text generation request", reqID)

	var req models.TextRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateText(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return c.JSON(result)
}

// Chat handles POST /v1/chat.
func (h *GenerateHandler) Chat(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting chat generation request", reqID)

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateChat(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return c.JSON(result)
}

// Embeddings handles POST /v1/embeddings.
func (h *GenerateHandler) Embeddings(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting embedding request", reqID)

	var req models.EmbeddingRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateEmbedding(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return c.JSON(result)
}

// Images handles POST /v1/images.
func (h *GenerateHandler) Images(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting image generation request", reqID)

	var req models.ImageRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateImage(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return c.JSON(result)
}

// TextStream handles POST /v1/text/stream as SSE.
func (h *GenerateHandler) TextStream(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting text stream request", reqID)

	var req models.TextRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateTextStream(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return streamSSE(c, result, reqID)
}

// ChatStream handles POST /v1/chat/stream as SSE.
func (h *GenerateHandler) ChatStream(c *fiber.Ctx) error {
	reqID := requestID(c)
	fiberlog.Infof("[%s] starting chat stream request", reqID)

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed request body", err))
	}
	req.Caller = callerFrom(c)

	result, err := h.gw.GenerateChatStream(c.UserContext(), req)
	if err != nil {
		return handleError(c, reqID, err)
	}
	return streamSSE(c, result, reqID)
}

func callerFrom(c *fiber.Ctx) models.CallerContext {
	return models.CallerContext(c.Get("X-Caller-ID"))
}

// streamEvent is the SSE payload for one chunk. Provider identification is
// attached to every event so clients can tell which backend served them
// after a mid-route fallback.
type streamEvent struct {
	Delta     string        `json:"delta,omitzero"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	IsFinal   bool          `json:"is_final,omitzero"`
	Usage     *models.Usage `json:"usage,omitzero"`
	Error     string        `json:"error,omitzero"`
	ErrorKind string        `json:"error_kind,omitzero"`
	Retryable bool          `json:"retryable,omitzero"`
	RequestID string        `json:"request_id,omitzero"`
}

// streamSSE drains the chunk stream into the response body as
// text/event-stream. Errors after headers are sent become a terminal error
// event because the status line is already gone.
func streamSSE(c *fiber.Ctx, result *gateway.StreamResult, reqID string) error {
	fasthttpCtx := c.Context()
	fasthttpCtx.Response.Header.Set("Content-Type", "text/event-stream")
	fasthttpCtx.Response.Header.Set("Cache-Control", "no-cache")
	fasthttpCtx.Response.Header.Set("Connection", "keep-alive")

	fasthttpCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			if err := result.Chunks.Close(); err != nil {
				fiberlog.Debugf("[%s] stream close: %v", reqID, err)
			}
		}()

		for {
			select {
			case <-fasthttpCtx.Done():
				fiberlog.Infof("[%s] client disconnected during stream", reqID)
				return
			default:
			}

			chunk, err := result.Chunks.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				writeStreamError(w, reqID, err)
				return
			}

			event := streamEvent{
				Delta:    chunk.DeltaContent,
				Provider: result.ProviderID,
				Model:    result.ModelID,
				IsFinal:  chunk.IsFinal,
				Usage:    chunk.Usage,
			}
			if !writeSSE(w, reqID, event) {
				return
			}
			if chunk.IsFinal {
				break
			}
		}

		if _, err := w.WriteString("data: [DONE]\n\n"); err != nil {
			fiberlog.Errorf("[%s] failed to write [DONE] event: %v", reqID, err)
			return
		}
		if err := w.Flush(); err != nil {
			fiberlog.Errorf("[%s] failed to flush [DONE] event: %v", reqID, err)
		}
	}))
	return nil
}

// writeSSE marshals one event and flushes it immediately. Returns false when
// the connection is no longer usable.
func writeSSE(w *bufio.Writer, reqID string, event streamEvent) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		fiberlog.Errorf("[%s] failed to marshal stream event: %v", reqID, err)
		return false
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = append(buf.B, "data: "...)
	buf.B = append(buf.B, payload...)
	buf.B = append(buf.B, "\n\n"...)

	if _, err := w.Write(buf.B); err != nil {
		fiberlog.Errorf("[%s] failed to write stream event: %v", reqID, err)
		return false
	}
	if err := w.Flush(); err != nil {
		fiberlog.Errorf("[%s] failed to flush stream event: %v", reqID, err)
		return false
	}
	return true
}

func writeStreamError(w *bufio.Writer, reqID string, err error) {
	event := streamEvent{Error: err.Error(), RequestID: reqID}
	var gerr *models.GatewayError
	if errors.As(err, &gerr) {
		event.ErrorKind = string(gerr.Kind)
		event.Retryable = gerr.Retryable
		event.Provider = gerr.Provider
	}
	fiberlog.Errorf("[%s] stream failed: %v", reqID, err)
	writeSSE(w, reqID, event)
}
