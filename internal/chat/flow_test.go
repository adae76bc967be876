package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/auth"
	"github.com/yourusername/chat-queue/internal/jobs"
	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/queue/queuetest"
	"github.com/yourusername/chat-queue/internal/store"
)

type fakeConversations struct {
	events        []string
	conversations map[int64]*store.Conversation
	nextConvID    int64
	nextMsgID     int64

	createErr  error
	addErr     error
	historyErr error // 2回目以降の ConversationForUser に返すエラー
	lookups    int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		conversations: make(map[int64]*store.Conversation),
		nextConvID:    100,
		nextMsgID:     1000,
	}
}

func (f *fakeConversations) ConversationForUser(ctx context.Context, conversationID, userID int64) (*store.Conversation, error) {
	f.lookups++
	f.events = append(f.events, "lookup")
	if f.historyErr != nil && f.lookups > 1 {
		return nil, f.historyErr
	}
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, store.ErrConversationNotFound
	}
	cp := *conv
	cp.Messages = append([]store.Message(nil), conv.Messages...)
	return &cp, nil
}

func (f *fakeConversations) CreateConversation(ctx context.Context, userID int64, assessmentID *int64) (int64, error) {
	f.events = append(f.events, "create")
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextConvID++
	f.conversations[f.nextConvID] = &store.Conversation{ID: f.nextConvID, UserID: userID, AssessmentID: assessmentID}
	return f.nextConvID, nil
}

func (f *fakeConversations) AddUserMessage(ctx context.Context, conversationID, userID int64, content string) (*store.Message, error) {
	f.events = append(f.events, "add-message")
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.nextMsgID++
	m := store.Message{ID: f.nextMsgID, ConversationID: conversationID, Role: "user", Content: content, CreatedAt: time.Now()}
	conv := f.conversations[conversationID]
	conv.Messages = append(conv.Messages, m)
	return &m, nil
}

var testOptions = ModelOptions{Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 1024}

func newFlow(t *testing.T) (*Flow, *fakeConversations, *queuetest.Broker) {
	t.Helper()
	broker := queuetest.New()
	convs := newFakeConversations()
	broker.OnEnqueue = func(name queue.Name, jobType string) {
		convs.events = append(convs.events, "enqueue:"+string(name)+":"+jobType)
	}
	return NewFlow(broker.NewRegistry(), convs, testOptions, logger.Discard()), convs, broker
}

func decodePayload(t *testing.T, broker *queuetest.Broker) GenerateResponsePayload {
	t.Helper()
	require.Len(t, broker.Enqueued, 1)
	var payload GenerateResponsePayload
	require.NoError(t, json.Unmarshal(broker.Enqueued[0].Payload, &payload))
	return payload
}

func int64Ptr(v int64) *int64 { return &v }

func TestEnqueueChatTurnNewConversation(t *testing.T) {
	flow, convs, broker := newFlow(t)

	result, err := flow.EnqueueChatTurn(context.Background(), 1, "  Hello  ", nil, int64Ptr(7))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, result.Status)
	assert.Equal(t, int64(101), result.ConversationID)
	assert.Equal(t, "1", result.JobID)
	assert.Equal(t, "Hello", result.UserMessage.Content)
	assert.False(t, result.Timestamp.IsZero())

	assert.Equal(t, []string{"create", "add-message", "lookup", "enqueue:ai-processing:generate-response"}, convs.events)

	payload := decodePayload(t, broker)
	assert.Equal(t, int64(101), payload.ConversationID)
	assert.Equal(t, int64(1), payload.UserID)
	assert.Equal(t, "Hello", payload.Prompt)
	assert.Equal(t, result.UserMessage.ID, payload.UserMessageID)
	assert.Empty(t, payload.Context.PreviousMessages)
	require.NotNil(t, payload.Context.AssessmentID)
	assert.Equal(t, int64(7), *payload.Context.AssessmentID)
	assert.Equal(t, testOptions, payload.Options)
}

func TestEnqueuedTurnIsVisibleAsWaiting(t *testing.T) {
	broker := queuetest.New()
	reg := broker.NewRegistry()
	flow := NewFlow(reg, newFakeConversations(), testOptions, logger.Discard())
	tracker := jobs.NewTracker(reg, logger.Discard())

	result, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	require.NoError(t, err)

	status, err := tracker.Status(context.Background(), queue.AIProcessing, result.JobID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, result.JobID, status.ID)
	assert.Equal(t, jobs.StatusWaiting, status.Status)
	assert.Nil(t, status.Result)
}

func TestEnqueueChatTurnExistingConversationHistory(t *testing.T) {
	flow, convs, broker := newFlow(t)
	convs.conversations[5] = &store.Conversation{ID: 5, UserID: 1, Messages: []store.Message{
		{ID: 1, Role: "user", Content: "Hi"},
		{ID: 2, Role: "assistant", Content: "Hello! How can I help?"},
	}}

	result, err := flow.EnqueueChatTurn(context.Background(), 1, "Explain queues", int64Ptr(5), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.ConversationID)
	assert.Equal(t, []string{"lookup", "add-message", "lookup", "enqueue:ai-processing:generate-response"}, convs.events)

	payload := decodePayload(t, broker)
	assert.Equal(t, []HistoryMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello! How can I help?"},
	}, payload.Context.PreviousMessages)
	assert.Nil(t, payload.Context.AssessmentID)
}

func TestEnqueueChatTurnPayloadJSONKeys(t *testing.T) {
	flow, _, broker := newFlow(t)
	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"conversationId": 101,
		"userId": 1,
		"prompt": "Hello",
		"userMessageId": 1001,
		"context": {"previousMessages": []},
		"options": {"model": "gemini-2.0-flash", "temperature": 0.7, "maxTokens": 1024}
	}`, string(broker.Enqueued[0].Payload))
}

func TestEnqueueChatTurnValidation(t *testing.T) {
	flow, convs, broker := newFlow(t)

	_, err := flow.EnqueueChatTurn(context.Background(), 0, "Hello", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = flow.EnqueueChatTurn(context.Background(), 1, "   ", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	assert.Empty(t, convs.events)
	assert.Zero(t, broker.Calls())
}

func TestEnqueueChatTurnAsyncDisabled(t *testing.T) {
	convs := newFakeConversations()
	flow := NewFlow(queue.NewRegistry(nil, logger.Discard()), convs, testOptions, logger.Discard())

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	assert.Empty(t, convs.events, "nothing is persisted when async mode is off")
}

func TestEnqueueChatTurnConversationNotOwned(t *testing.T) {
	flow, convs, broker := newFlow(t)
	convs.conversations[5] = &store.Conversation{ID: 5, UserID: 2}

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", int64Ptr(5), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.Equal(t, []string{"lookup"}, convs.events)
	assert.Empty(t, broker.Enqueued)
}

func TestEnqueueChatTurnPersistFailureNeverEnqueues(t *testing.T) {
	flow, convs, broker := newFlow(t)
	convs.addErr = errors.New("insert failed")

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.ErrorIs(t, err, convs.addErr)
	assert.Zero(t, broker.Calls())
}

func TestEnqueueChatTurnCreateFailure(t *testing.T) {
	flow, convs, _ := newFlow(t)
	convs.createErr = errors.New("insert failed")

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.ErrorIs(t, err, convs.createErr)
}

func TestEnqueueChatTurnHistoryFailureDegrades(t *testing.T) {
	flow, convs, broker := newFlow(t)
	convs.conversations[5] = &store.Conversation{ID: 5, UserID: 1, Messages: []store.Message{{ID: 1, Role: "user", Content: "Hi"}}}
	convs.historyErr = errors.New("read timeout")

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", int64Ptr(5), nil)
	require.NoError(t, err)
	assert.Empty(t, decodePayload(t, broker).Context.PreviousMessages)
}

func TestEnqueueChatTurnBrokerFailure(t *testing.T) {
	flow, convs, broker := newFlow(t)
	broker.EnqueueErr = errors.New("READONLY You can't write against a read only replica")

	_, err := flow.EnqueueChatTurn(context.Background(), 1, "Hello", nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.ErrorIs(t, err, broker.EnqueueErr)
	// メッセージは投入前に保存済み
	assert.Contains(t, convs.events, "add-message")
}

func newHandlerEngine(flow *Flow, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/chat/send-async", func(c *gin.Context) {
		if userID > 0 {
			c.Set(auth.ContextUserIDKey, userID)
		}
		c.Next()
	}, SendAsyncHandler(flow, logger.Discard()))
	return r
}

func postJSON(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat/send-async", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSendAsyncHandlerAccepted(t *testing.T) {
	flow, _, broker := newFlow(t)
	rec := postJSON(newHandlerEngine(flow, 1), `{"message":"Hello","assessment_id":3}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, "1", body["jobId"])
	assert.EqualValues(t, 101, body["conversationId"])
	assert.Equal(t, "/jobs/ai-processing/1", body["statusUrl"])
	assert.NotEmpty(t, body["message"])
	assert.NotNil(t, body["userMessage"])

	assert.EqualValues(t, 3, *decodePayload(t, broker).Context.AssessmentID)
}

func TestSendAsyncHandlerErrors(t *testing.T) {
	flow, convs, _ := newFlow(t)
	convs.conversations[9] = &store.Conversation{ID: 9, UserID: 2}

	cases := []struct {
		name   string
		userID int64
		body   string
		status int
	}{
		{"missing user", 0, `{"message":"Hello"}`, http.StatusBadRequest},
		{"malformed body", 1, `{`, http.StatusBadRequest},
		{"blank message", 1, `{"message":""}`, http.StatusBadRequest},
		{"foreign conversation", 1, `{"message":"Hello","conversationId":9}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(newHandlerEngine(flow, tc.userID), tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code"`)
		})
	}
}

func TestSendAsyncHandlerUnavailable(t *testing.T) {
	flow := NewFlow(queue.NewRegistry(nil, logger.Discard()), newFakeConversations(), testOptions, logger.Discard())
	rec := postJSON(newHandlerEngine(flow, 1), `{"message":"Hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "/chat/send")
}

func TestSendAsyncHandlerInternalErrorHidesCause(t *testing.T) {
	flow, _, broker := newFlow(t)
	broker.EnqueueErr = errors.New("dial tcp 10.0.0.5:6379: secret-host")
	rec := postJSON(newHandlerEngine(flow, 1), `{"message":"Hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-host")
}
