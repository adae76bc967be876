// Package document はアップロードされた文書を保存し、解析ジョブを投入します。
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/chat-queue/internal/apperr"
	"github.com/yourusername/chat-queue/internal/queue"
)

// JobTypeProcessDocument は document-processing キューのジョブ種別です。
const JobTypeProcessDocument = "process-document"

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeText = "text/plain"
)

var allowedTypes = []string{mimePDF, mimeDOCX, mimeText}

// ErrTooLarge はアップロード上限を超えたときに返ります。
var ErrTooLarge = errors.New("document: upload exceeds size limit")

// Storage はアップロードファイルの保存先です。
type Storage interface {
	Save(ctx context.Context, name string, r io.Reader) (string, int64, error)
	Delete(ctx context.Context, name string) error
}

// Upload は受け取ったファイルです。
type Upload struct {
	FileName string
	Size     int64
	Body     io.ReadSeeker
}

// Document は保存済み文書のメタデータで、ジョブのペイロードにもなります。
type Document struct {
	ID          string `json:"documentId"`
	UserID      int64  `json:"userId"`
	StoragePath string `json:"storagePath"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	PageCount   *int   `json:"pageCount,omitempty"`
	// NeedsConversion は DOCX のようにワーカー側で PDF 化が必要な場合に true です。
	NeedsConversion bool `json:"needsConversion"`
}

// Submission は投入結果です。
type Submission struct {
	JobID    string
	Document *Document
}

// Processor は文書の保存と process-document ジョブの投入を行います。
type Processor struct {
	registry  *queue.Registry
	storage   Storage
	maxBytes  int64
	logger    *slog.Logger
	tracer    trace.Tracer
	pageCount func(path string) (int, error)
	newID     func() string
}

// NewProcessor は Processor を作成します。maxBytes が 0 以下なら上限なしです。
func NewProcessor(registry *queue.Registry, storage Storage, maxBytes int64, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		registry:  registry,
		storage:   storage,
		maxBytes:  maxBytes,
		logger:    logger,
		tracer:    otel.Tracer("github.com/yourusername/chat-queue/internal/document"),
		pageCount: func(path string) (int, error) { return pdfapi.PageCountFile(path) },
		newID:     uuid.NewString,
	}
}

// MaxBytes はアップロード上限を返します。
func (p *Processor) MaxBytes() int64 {
	return p.maxBytes
}

// Submit はファイルを保存してからジョブを投入します。投入に失敗した場合は保存したファイルを削除します。
func (p *Processor) Submit(ctx context.Context, userID int64, up Upload) (*Submission, error) {
	ctx, span := p.tracer.Start(ctx, "document.Submit", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("document.size", up.Size),
	))
	defer span.End()

	sub, err := p.submit(ctx, userID, up)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		if apperr.IsKind(err, apperr.KindInternal) {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "document submission failed",
			slog.Int64("user_id", userID),
			slog.String("file_name", up.FileName),
			slog.Any("error", err),
		)
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", sub.JobID))
	p.logger.Info("document queued",
		slog.Int64("user_id", userID),
		slog.String("document_id", sub.Document.ID),
		slog.String("job_id", sub.JobID),
		slog.String("mime_type", sub.Document.MimeType),
	)
	return sub, nil
}

func (p *Processor) submit(ctx context.Context, userID int64, up Upload) (*Submission, error) {
	if userID <= 0 {
		return nil, apperr.Validation("USER_REQUIRED", "user identification is required")
	}
	if up.Body == nil || up.Size == 0 {
		return nil, apperr.Validation("INVALID_INPUT", "ファイルを選択してください。")
	}
	if p.maxBytes > 0 && up.Size > p.maxBytes {
		return nil, ErrTooLarge
	}
	if !p.registry.AsyncAvailable() {
		return nil, apperr.Unavailable("ASYNC_DISABLED", "document processing requires async mode")
	}

	mt, err := mimetype.DetectReader(up.Body)
	if err != nil {
		return nil, apperr.Internal("failed to read upload", err)
	}
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return nil, apperr.Validation("UNSUPPORTED_TYPE", fmt.Sprintf("unsupported file type: %s", mt.String()))
	}
	if _, err := up.Body.Seek(0, io.SeekStart); err != nil {
		return nil, apperr.Internal("failed to rewind upload", err)
	}

	doc := &Document{
		ID:       p.newID(),
		UserID:   userID,
		FileName: displayName(up.FileName),
		MimeType: baseType(mt),
	}
	doc.NeedsConversion = doc.MimeType == mimeDOCX
	objectName := doc.ID + mt.Extension()

	path, written, err := p.storage.Save(ctx, objectName, up.Body)
	if err != nil {
		return nil, apperr.Internal("failed to store upload", err)
	}
	doc.StoragePath = path
	doc.Size = written

	if doc.MimeType == mimePDF {
		pages, err := p.pageCount(path)
		if err != nil {
			p.discard(ctx, objectName)
			return nil, apperr.Validation("INVALID_PDF", "PDFを読み込めませんでした。")
		}
		doc.PageCount = &pages
	}

	jobID, err := p.registry.MustQueue(queue.DocumentProcessing).Enqueue(ctx, JobTypeProcessDocument, doc)
	if err != nil {
		p.discard(ctx, objectName)
		if errors.Is(err, queue.ErrAsyncDisabled) || errors.Is(err, queue.ErrClosed) {
			return nil, apperr.Unavailable("ASYNC_DISABLED", "document processing requires async mode")
		}
		return nil, apperr.Internal("failed to enqueue document", err)
	}
	return &Submission{JobID: jobID, Document: doc}, nil
}

func (p *Processor) discard(ctx context.Context, name string) {
	if err := p.storage.Delete(context.WithoutCancel(ctx), name); err != nil {
		p.logger.Warn("failed to remove stored upload", slog.String("name", name), slog.Any("error", err))
	}
}

func baseType(mt *mimetype.MIME) string {
	for _, t := range allowedTypes {
		if mt.Is(t) {
			return t
		}
	}
	return mt.String()
}

func displayName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}
