// Package store は会話・メッセージ・ユーザーの Postgres 永続化を提供します。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConversationNotFound は会話が存在しないか、所有者が異なる場合に返ります。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrUserNotFound はユーザーが存在しない場合に返ります。
	ErrUserNotFound = errors.New("user not found")
)

// DB は *pgxpool.Pool と pgx.Tx が満たす最小インターフェースです。
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Message は会話内の1メッセージです。
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation は所有者確認済みの会話と、時系列順のメッセージです。
type Conversation struct {
	ID           int64
	UserID       int64
	AssessmentID *int64
	Messages     []Message
}

// User はログイン可能なユーザーです。
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsAdmin      bool
}

// Postgres は DB 上の実装です。
type Postgres struct {
	db DB
}

// NewPostgres は Postgres ストアを作成します。
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// ConversationForUser は userID が所有する会話をメッセージ付きで返します。
func (s *Postgres) ConversationForUser(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	query := `
		SELECT id, user_id, assessment_id
		FROM conversations
		WHERE id = $1 AND user_id = $2
	`
	var conv Conversation
	err := s.db.QueryRow(ctx, query, conversationID, userID).Scan(&conv.ID, &conv.UserID, &conv.AssessmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	messages, err := s.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

// Messages は会話のメッセージを古い順に返します。
func (s *Postgres) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// CreateConversation は新しい会話を作成し、その ID を返します。
func (s *Postgres) CreateConversation(ctx context.Context, userID int64, assessmentID *int64) (int64, error) {
	query := `
		INSERT INTO conversations (user_id, assessment_id)
		VALUES ($1, $2)
		RETURNING id
	`
	var id int64
	if err := s.db.QueryRow(ctx, query, userID, assessmentID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// AddUserMessage はユーザー発言の保存と会話の更新時刻の反映を1トランザクションで行います。
// 戻った時点でコミット済みで、エラー時は何も残りません。
func (s *Postgres) AddUserMessage(ctx context.Context, conversationID, userID int64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	query := `
		INSERT INTO messages (conversation_id, user_id, role, content)
		VALUES ($1, $2, 'user', $3)
		RETURNING id, created_at
	`
	touch := `UPDATE conversations SET updated_at = NOW() WHERE id = $1`

	m := Message{ConversationID: conversationID, Role: "user", Content: content}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query, conversationID, userID, content).Scan(&m.ID, &m.CreatedAt); err != nil {
			return fmt.Errorf("failed to add user message: %w", err)
		}
		if _, err := tx.Exec(ctx, touch, conversationID); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UserByEmail はメールアドレスでユーザーを検索します。
func (s *Postgres) UserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, password_hash, is_admin
		FROM users
		WHERE lower(email) = lower($1)
	`
	var u User
	err := s.db.QueryRow(ctx, query, strings.TrimSpace(email)).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// UserByID は ID でユーザーを検索します。
func (s *Postgres) UserByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, email, password_hash, is_admin
		FROM users
		WHERE id = $1
	`
	var u User
	err := s.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// Ping は接続確認用に軽いクエリを実行します。
func (s *Postgres) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
