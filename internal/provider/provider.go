// Package provider defines the adapter contract that a test-management
// platform client must implement to participate in migration, plus the
// registry adapters register themselves with.
package provider

import (
	"context"
	"fmt"
	"time"
)

// TestCase is the canonical, platform-neutral representation of one
// test asset. Fields carries the raw field map the source platform
// reported; AttachmentIDs reference binaries fetched separately.
type TestCase struct {
	ID            string         `json:"id"`
	Fields        map[string]any `json:"fields"`
	AttachmentIDs []string       `json:"attachmentIds,omitempty"`
}

// Attachment is a binary asset bound to a test case.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Content   []byte `json:"-"`
}

// ListFilter scopes a test case enumeration.
type ListFilter struct {
	Scope  string // "full" or a platform-specific selector
	Query  string
	Limit  int
	Offset int
}

// Adapter is the contract a platform-specific client satisfies. Every
// call returns either a success payload or an error; wire-level
// failures carry an HTTP-like status code via *StatusError so the
// resilience layer can classify them.
type Adapter interface {
	// Name returns the adapter kind, e.g. "zephyr" or "memory".
	Name() string

	TestConnection(ctx context.Context) error

	GetTestCase(ctx context.Context, id string) (*TestCase, error)
	ListTestCases(ctx context.Context, filter ListFilter) ([]TestCase, error)
	CreateTestCase(ctx context.Context, tc *TestCase) (string, error)
	UpdateTestCase(ctx context.Context, id string, tc *TestCase) error
	DeleteTestCase(ctx context.Context, id string) error

	DownloadAttachment(ctx context.Context, id string) (*Attachment, error)
	UploadAttachment(ctx context.Context, itemID string, att *Attachment) (string, error)
}

// TokenRefresher is implemented by adapters whose credentials can be
// refreshed after a 401. The resilience layer performs exactly one
// refresh-and-retry cycle per call.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// StatusError is a structured provider failure: an HTTP-like status
// code used to classify retryable vs. terminal outcomes, an optional
// Retry-After signal, and a message.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// Settings carries the connection parameters for one adapter instance.
type Settings struct {
	Kind    string
	BaseURL string
	APIKey  string
	Options map[string]string
}
