// Package memory provides an in-process Adapter used by tests and
// local dry runs. Instances are shared by name so the source and
// target sides of a run can be inspected after the fact.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/tcmigrate/tcmigrate/internal/provider"
)

func init() {
	provider.Register("memory", func(s provider.Settings) (provider.Adapter, error) {
		name := s.Options["instance"]
		if name == "" {
			name = "default"
		}
		return Shared(name), nil
	})
}

var (
	instancesMu sync.Mutex
	instances   = make(map[string]*Adapter)
)

// Shared returns the named instance, creating it on first use.
func Shared(name string) *Adapter {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	a, ok := instances[name]
	if !ok {
		a = New(name)
		instances[name] = a
	}
	return a
}

// Reset drops all shared instances. Test helper.
func Reset() {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances = make(map[string]*Adapter)
}

// Adapter is an in-memory provider with programmable failures.
type Adapter struct {
	mu sync.Mutex

	instance    string
	cases       map[string]*provider.TestCase
	attachments map[string]*provider.Attachment
	uploads     map[string][]*provider.Attachment
	nextID      int

	authExpired bool
	refreshes   int

	// queued failures per operation name, popped one per call
	failures map[string][]error
	calls    map[string]int
}

// New creates a detached instance (not registered under Shared).
func New(instance string) *Adapter {
	return &Adapter{
		instance:    instance,
		cases:       make(map[string]*provider.TestCase),
		attachments: make(map[string]*provider.Attachment),
		uploads:     make(map[string][]*provider.Attachment),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

func (a *Adapter) Name() string { return "memory" }

// SeedTestCase stores a test case on the source side.
func (a *Adapter) SeedTestCase(tc provider.TestCase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := tc
	a.cases[tc.ID] = &cp
}

// SeedAttachment stores an attachment on the source side.
func (a *Adapter) SeedAttachment(att provider.Attachment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := att
	a.attachments[att.ID] = &cp
}

// FailNext queues errors to be returned by the next calls to op, in
// order. Operation names match the Adapter method names.
func (a *Adapter) FailNext(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], errs...)
}

// Calls reports how many times op was invoked (including failed calls).
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// SetAuthExpired makes every call fail with 401 until RefreshToken runs.
func (a *Adapter) SetAuthExpired(expired bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authExpired = expired
}

// Refreshes reports how many token refresh cycles ran.
func (a *Adapter) Refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

// Uploads returns the attachments uploaded against an item.
func (a *Adapter) Uploads(itemID string) []*provider.Attachment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*provider.Attachment(nil), a.uploads[itemID]...)
}

// CaseCount reports how many test cases the instance holds.
func (a *Adapter) CaseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cases)
}

// RefreshToken satisfies provider.TokenRefresher.
func (a *Adapter) RefreshToken(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	a.authExpired = false
	return nil
}

// begin records the call and returns any queued failure.
func (a *Adapter) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op]++

	if a.authExpired {
		return &provider.StatusError{StatusCode: http.StatusUnauthorized, Message: "token expired"}
	}
	if q := a.failures[op]; len(q) > 0 {
		err := q[0]
		a.failures[op] = q[1:]
		return err
	}
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.begin(ctx, "TestConnection")
}

func (a *Adapter) GetTestCase(ctx context.Context, id string) (*provider.TestCase, error) {
	if err := a.begin(ctx, "GetTestCase"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tc, ok := a.cases[id]
	if !ok {
		return nil, &provider.StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("test case %s not found", id)}
	}
	cp := *tc
	return &cp, nil
}

func (a *Adapter) ListTestCases(ctx context.Context, filter provider.ListFilter) ([]provider.TestCase, error) {
	if err := a.begin(ctx, "ListTestCases"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.cases))
	for id := range a.cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]provider.TestCase, 0, len(ids))
	for _, id := range ids {
		out = append(out, *a.cases[id])
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (a *Adapter) CreateTestCase(ctx context.Context, tc *provider.TestCase) (string, error) {
	if err := a.begin(ctx, "CreateTestCase"); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := fmt.Sprintf("%s-%d", a.instance, a.nextID)
	cp := *tc
	cp.ID = id
	a.cases[id] = &cp
	return id, nil
}

func (a *Adapter) UpdateTestCase(ctx context.Context, id string, tc *provider.TestCase) error {
	if err := a.begin(ctx, "UpdateTestCase"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cases[id]; !ok {
		return &provider.StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("test case %s not found", id)}
	}
	cp := *tc
	cp.ID = id
	a.cases[id] = &cp
	return nil
}

func (a *Adapter) DeleteTestCase(ctx context.Context, id string) error {
	if err := a.begin(ctx, "DeleteTestCase"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cases, id)
	return nil
}

func (a *Adapter) DownloadAttachment(ctx context.Context, id string) (*provider.Attachment, error) {
	if err := a.begin(ctx, "DownloadAttachment"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	att, ok := a.attachments[id]
	if !ok {
		return nil, &provider.StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("attachment %s not found", id)}
	}
	cp := *att
	cp.Content = append([]byte(nil), att.Content...)
	return &cp, nil
}

func (a *Adapter) UploadAttachment(ctx context.Context, itemID string, att *provider.Attachment) (string, error) {
	if err := a.begin(ctx, "UploadAttachment"); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := fmt.Sprintf("%s-att-%d", a.instance, a.nextID)
	cp := *att
	cp.ID = id
	cp.Content = append([]byte(nil), att.Content...)
	a.uploads[itemID] = append(a.uploads[itemID], &cp)
	return id, nil
}
