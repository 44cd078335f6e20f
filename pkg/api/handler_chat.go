package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/ent/alertsession"
	"github.com/tarsy-sre/tarsy/pkg/config"
	"github.com/tarsy-sre/tarsy/pkg/events"
	"github.com/tarsy-sre/tarsy/pkg/models"
	"github.com/tarsy-sre/tarsy/pkg/queue"
	"github.com/tarsy-sre/tarsy/pkg/services"
)

// SendChatMessageRequest is the HTTP request body for POST /sessions/:id/chat/messages.
type SendChatMessageRequest struct {
	Content string `json:"content"`
}

// SendChatMessageResponse is the HTTP response for POST /sessions/:id/chat/messages.
type SendChatMessageResponse struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	StageID   string `json:"stage_id"`
}

// sendChatMessageHandler handles POST /api/v1/sessions/:id/chat/messages.
// Creates/gets a chat, adds the user message, and submits it for async processing.
func (s *Server) sendChatMessageHandler(c *gin.Context) {
	// 1. Validate session ID
	sessionID := c.Param("id")
	if sessionID == "" {
		abortWithError(c, http.StatusBadRequest, "session id is required")
		return
	}

	// 1b. Verify chat dependencies are initialized
	if s.chatService == nil || s.chatExecutor == nil {
		abortWithError(c, http.StatusServiceUnavailable, "chat service is not available")
		return
	}

	// 2. Get session, validate terminal status
	session, err := s.sessionService.GetSession(c.Request.Context(), sessionID, false)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// 3. Resolve chain config, validate chat is available
	chain, err := s.cfg.GetChain(session.ChainID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "chain configuration not found")
		return
	}

	if reason := isChatAvailable(session.Status, chain); reason != "" {
		abortWithError(c, http.StatusBadRequest, reason)
		return
	}

	// 4. Bind and validate request body
	var req SendChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		abortWithError(c, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > 100_000 {
		abortWithError(c, http.StatusBadRequest, "content exceeds maximum length of 100,000 characters")
		return
	}

	// 5. Extract author
	author := extractAuthor(c)

	// 6. Get or create chat
	chatObj, created, err := s.chatService.GetOrCreateChat(c.Request.Context(), sessionID, author)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// 7. Publish chat.created event if chat was just created
	if created && s.eventPublisher != nil {
		if pubErr := s.eventPublisher.PublishChatCreated(c.Request.Context(), sessionID, events.ChatCreatedPayload{
			BasePayload: events.BasePayload{
				Type:      events.EventTypeChatCreated,
				SessionID: sessionID,
				Timestamp: time.Now().Format(time.RFC3339Nano),
			},
			ChatID:    chatObj.ID,
			CreatedBy: author,
		}); pubErr != nil {
			slog.Warn("Failed to publish chat.created event",
				"session_id", sessionID, "error", pubErr)
		}
	}

	// 8. Add chat message
	msg, err := s.chatService.AddChatMessage(c.Request.Context(), models.AddChatMessageRequest{
		ChatID:  chatObj.ID,
		Content: req.Content,
		Author:  author,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// 9. Submit to ChatMessageExecutor
	stageID, err := s.chatExecutor.Submit(c.Request.Context(), queue.ChatExecuteInput{
		Chat:    chatObj,
		Message: msg,
		Session: session,
	})
	if err != nil {
		// Clean up orphaned message on rejection errors
		if errors.Is(err, queue.ErrChatExecutionActive) || errors.Is(err, queue.ErrShuttingDown) {
			if delErr := s.chatService.DeleteChatMessage(c.Request.Context(), msg.ID); delErr != nil {
				slog.Warn("Failed to clean up rejected chat message",
					"message_id", msg.ID, "error", delErr)
			}
		}
		abortWithChatExecutorError(c, err)
		return
	}

	// 10. Return 202 Accepted
	c.JSON(http.StatusAccepted, &SendChatMessageResponse{
		ChatID:    chatObj.ID,
		MessageID: msg.ID,
		StageID:   stageID,
	})
}

// isChatAvailable checks if a chat can be started for a session.
// Returns an empty string if available, or an error reason otherwise.
func isChatAvailable(sessionStatus alertsession.Status, chain *config.ChainConfig) string {
	// Session must be in a terminal state (completed, failed, timed_out)
	switch sessionStatus {
	case alertsession.StatusCompleted, alertsession.StatusFailed, alertsession.StatusTimedOut:
		// OK — session is terminal
	case alertsession.StatusPending, alertsession.StatusInProgress:
		return "chat is not available while session is still processing"
	case alertsession.StatusCancelling:
		return "chat is not available while session is being cancelled"
	case alertsession.StatusCancelled:
		return "chat is not available for cancelled sessions"
	default:
		return "chat is not available for sessions in this state"
	}

	// Chat is enabled by default; only disabled if explicitly set to false.
	if chain.Chat != nil && !chain.Chat.Enabled {
		return "chat is not enabled for this chain"
	}

	return ""
}

// abortWithChatExecutorError maps ChatMessageExecutor errors to HTTP responses.
func abortWithChatExecutorError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrChatExecutionActive) {
		abortWithError(c, http.StatusConflict, "a chat response is already being generated")
		return
	}
	if errors.Is(err, queue.ErrShuttingDown) {
		abortWithError(c, http.StatusServiceUnavailable, "service is shutting down")
		return
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		abortWithError(c, http.StatusBadRequest, validErr.Error())
		return
	}

	abortWithError(c, http.StatusInternalServerError, "failed to process chat message")
}
