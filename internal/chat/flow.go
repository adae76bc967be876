// Package chat はチャット発言の保存と AI 応答ジョブの投入を扱います。
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/store"
)

// StatusProcessing は投入直後のターン状態です。
const StatusProcessing = "processing"

// ConversationStore は会話の永続化先です。
type ConversationStore interface {
	// ConversationForUser は所有者が一致しない場合も store.ErrConversationNotFound を返します。
	ConversationForUser(ctx context.Context, conversationID, userID int64) (*store.Conversation, error)
	CreateConversation(ctx context.Context, userID int64, assessmentID *int64) (int64, error)
	// AddUserMessage は戻った時点でコミット済みでなければなりません。
	AddUserMessage(ctx context.Context, conversationID, userID int64, content string) (*store.Message, error)
}

// TurnResult は受付済みチャットターンの情報です。
type TurnResult struct {
	ConversationID int64
	UserMessage    *store.Message
	JobID          string
	Status         string
	Timestamp      time.Time
}

// Flow は発言の保存と generate-response ジョブの投入を行います。
type Flow struct {
	registry *queue.Registry
	store    ConversationStore
	options  ModelOptions
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewFlow は Flow を作成します。
func NewFlow(registry *queue.Registry, conversations ConversationStore, options ModelOptions, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		registry: registry,
		store:    conversations,
		options:  options,
		logger:   logger,
		tracer:   otel.Tracer("github.com/yourusername/chat-queue/internal/chat"),
		now:      time.Now,
	}
}

// AsyncAvailable は非同期投入が可能かどうかを返します。
func (f *Flow) AsyncAvailable() bool {
	return f.registry.AsyncAvailable()
}

// EnqueueChatTurn は発言を保存してから AI 応答ジョブを投入し、ワーカーを待たずに返ります。
// conversationID が nil の場合は新しい会話を作成します。
func (f *Flow) EnqueueChatTurn(ctx context.Context, userID int64, message string, conversationID, assessmentID *int64) (*TurnResult, error) {
	ctx, span := f.tracer.Start(ctx, "chat.EnqueueChatTurn", trace.WithAttributes(
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	result, err := f.enqueueChatTurn(ctx, userID, message, conversationID, assessmentID)
	if err != nil {
		span.RecordError(err)
		kind := apperr.KindOf(err)
		span.SetStatus(codes.Error, kind.String())
		level := slog.LevelWarn
		if kind == apperr.KindInternal {
			level = slog.LevelError
		}
		f.logger.LogAttrs(ctx, level, "chat turn enqueue failed",
			slog.Int64("user_id", userID),
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("conversation.id", result.ConversationID),
		attribute.String("job.id", result.JobID),
	)
	return result, nil
}

func (f *Flow) enqueueChatTurn(ctx context.Context, userID int64, message string, conversationID, assessmentID *int64) (*TurnResult, error) {
	if userID <= 0 {
		return nil, apperr.Validation("USER_REQUIRED", "user identification is required")
	}
	prompt := strings.TrimSpace(message)
	if prompt == "" {
		return nil, apperr.Validation("MESSAGE_REQUIRED", "message is required")
	}
	if !f.registry.AsyncAvailable() {
		return nil, errAsyncDisabled()
	}

	f.logger.Info("async chat turn starting",
		slog.Int64("user_id", userID),
		slog.Any("conversation_id", conversationID),
		slog.Any("assessment_id", assessmentID),
	)

	var convID int64
	if conversationID != nil {
		if _, err := f.store.ConversationForUser(ctx, *conversationID, userID); err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				return nil, apperr.NotFound("CONVERSATION_NOT_FOUND", "conversation not found")
			}
			return nil, apperr.Internal("failed to load conversation", err)
		}
		convID = *conversationID
	} else {
		id, err := f.store.CreateConversation(ctx, userID, assessmentID)
		if err != nil {
			return nil, apperr.Internal("failed to create conversation", err)
		}
		convID = id
	}

	// 発言の保存はジョブ投入より前に完了していなければならない
	userMessage, err := f.store.AddUserMessage(ctx, convID, userID, prompt)
	if err != nil {
		return nil, apperr.Internal("failed to save user message", err)
	}

	payload := GenerateResponsePayload{
		ConversationID: convID,
		UserID:         userID,
		Prompt:         prompt,
		UserMessageID:  userMessage.ID,
		Context: PromptContext{
			PreviousMessages: f.history(ctx, convID, userID, userMessage.ID),
			AssessmentID:     assessmentID,
		},
		Options: f.options,
	}

	jobID, err := f.registry.MustQueue(queue.AIProcessing).Enqueue(ctx, JobTypeGenerateResponse, payload)
	if err != nil {
		if errors.Is(err, queue.ErrAsyncDisabled) || errors.Is(err, queue.ErrClosed) {
			return nil, errAsyncDisabled()
		}
		return nil, apperr.Internal("failed to enqueue AI processing job", err)
	}

	f.logger.Info("AI processing job enqueued",
		slog.String("job_id", jobID),
		slog.Int64("conversation_id", convID),
		slog.Int64("message_id", userMessage.ID),
	)

	return &TurnResult{
		ConversationID: convID,
		UserMessage:    userMessage,
		JobID:          jobID,
		Status:         StatusProcessing,
		Timestamp:      f.now().UTC(),
	}, nil
}

// history は直前に保存した発言を除いた会話履歴を返します。読み出しに失敗した場合は空の履歴で続行します。
func (f *Flow) history(ctx context.Context, conversationID, userID, excludeID int64) []HistoryMessage {
	conv, err := f.store.ConversationForUser(ctx, conversationID, userID)
	if err != nil {
		f.logger.Warn("conversation history unavailable, continuing without context",
			slog.Int64("conversation_id", conversationID),
			slog.Any("error", err),
		)
		return []HistoryMessage{}
	}

	history := make([]HistoryMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.ID == excludeID {
			continue
		}
		history = append(history, HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

func errAsyncDisabled() error {
	return apperr.Unavailable("ASYNC_DISABLED", "background workers are not configured, use /chat/send for synchronous processing")
}
