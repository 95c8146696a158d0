package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/storage"
)

// memState is the in-memory database shared by the Memory* stores.
type memState struct {
	seq       int
	letters   map[string]repository.Letter
	reviewers map[string]repository.LetterReviewer
	logs      []repository.LetterActionLog
	activity  []repository.ActivityLog
	allocated map[string]bool
}

func newMemState() *memState {
	return &memState{
		letters:   map[string]repository.Letter{},
		reviewers: map[string]repository.LetterReviewer{},
		allocated: map[string]bool{},
	}
}

func (m *memState) clone() *memState {
	c := &memState{
		seq:       m.seq,
		letters:   make(map[string]repository.Letter, len(m.letters)),
		reviewers: make(map[string]repository.LetterReviewer, len(m.reviewers)),
		logs:      append([]repository.LetterActionLog(nil), m.logs...),
		activity:  append([]repository.ActivityLog(nil), m.activity...),
		allocated: make(map[string]bool, len(m.allocated)),
	}
	for k, v := range m.letters {
		c.letters[k] = v
	}
	for k, v := range m.reviewers {
		c.reviewers[k] = v
	}
	for k, v := range m.allocated {
		c.allocated[k] = v
	}
	return c
}

func (m *memState) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// MemoryTx runs transactions against memState, restoring a snapshot when fn fails.
type MemoryTx struct {
	st        *memState
	Commits   int
	Rollbacks int
}

func (m *MemoryTx) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	snap := m.st.clone()
	if err := fn(nil); err != nil {
		*m.st = *snap
		m.Rollbacks++
		return err
	}
	m.Commits++
	return nil
}

type MemoryLetters struct{ st *memState }

func (m *MemoryLetters) Create(ctx context.Context, q database.Querier, l *repository.Letter) error {
	now := time.Now().UTC()
	l.ID = m.st.nextID("letter")
	l.CreatedAt, l.UpdatedAt = now, now
	stored := *l
	stored.Reviewers, stored.ActionLogs = nil, nil
	m.st.letters[l.ID] = stored
	return nil
}

func (m *MemoryLetters) GetByID(ctx context.Context, q database.Querier, id string) (*repository.Letter, error) {
	l, ok := m.st.letters[id]
	if !ok {
		return nil, errors.NotFound("letter", id)
	}
	return &l, nil
}

func (m *MemoryLetters) GetForUpdate(ctx context.Context, tx database.Querier, id string) (*repository.Letter, error) {
	return m.GetByID(ctx, tx, id)
}

func (m *MemoryLetters) UpdateWorkflow(ctx context.Context, q database.Querier, l *repository.Letter) error {
	if _, ok := m.st.letters[l.ID]; !ok {
		return errors.NotFound("letter", l.ID)
	}
	stored := *l
	stored.Reviewers, stored.ActionLogs = nil, nil
	stored.UpdatedAt = time.Now().UTC()
	m.st.letters[l.ID] = stored
	return nil
}

func (m *MemoryLetters) ListPendingForUser(ctx context.Context, q database.Querier, userID string) ([]*repository.Letter, error) {
	return m.filter(func(l repository.Letter) bool {
		return l.IsPending() && l.NextActionByID != nil && *l.NextActionByID == userID
	}), nil
}

func (m *MemoryLetters) ListByCreator(ctx context.Context, q database.Querier, creatorID string) ([]*repository.Letter, error) {
	return m.filter(func(l repository.Letter) bool { return l.CreatorID == creatorID }), nil
}

func (m *MemoryLetters) filter(keep func(repository.Letter) bool) []*repository.Letter {
	var out []*repository.Letter
	for _, l := range m.st.letters {
		if keep(l) {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type MemoryReviewers struct{ st *memState }

func (m *MemoryReviewers) CreateBatch(ctx context.Context, q database.Querier, letterID string, reviewers []*repository.LetterReviewer) error {
	for _, rv := range reviewers {
		for _, existing := range m.st.reviewers {
			if existing.LetterID != letterID {
				continue
			}
			if existing.UserID == rv.UserID || existing.SequenceOrder == rv.SequenceOrder {
				return errors.New(errors.ErrCodeInternal, "duplicate letter reviewer")
			}
		}
		rv.ID = m.st.nextID("slot")
		rv.LetterID = letterID
		if rv.Status == "" {
			rv.Status = repository.ReviewerPending
		}
		m.st.reviewers[rv.ID] = *rv
	}
	return nil
}

func (m *MemoryReviewers) ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*repository.LetterReviewer, error) {
	var out []*repository.LetterReviewer
	for _, rv := range m.st.reviewers {
		if rv.LetterID == letterID {
			rv := rv
			out = append(out, &rv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (m *MemoryReviewers) GetSlot(ctx context.Context, q database.Querier, letterID, userID string, order int) (*repository.LetterReviewer, error) {
	for _, rv := range m.st.reviewers {
		if rv.LetterID == letterID && rv.UserID == userID && rv.SequenceOrder == order {
			return &rv, nil
		}
	}
	return nil, errors.NotFound("letter reviewer", fmt.Sprintf("%s/%d", userID, order))
}

func (m *MemoryReviewers) NextPending(ctx context.Context, q database.Querier, letterID string, afterOrder int) (*repository.LetterReviewer, error) {
	slots, _ := m.ListByLetter(ctx, q, letterID)
	for _, rv := range slots {
		if rv.SequenceOrder > afterOrder && rv.Status == repository.ReviewerPending {
			return rv, nil
		}
	}
	return nil, nil
}

func (m *MemoryReviewers) GetFinalApprover(ctx context.Context, q database.Querier, letterID string) (*repository.LetterReviewer, error) {
	for _, rv := range m.st.reviewers {
		if rv.LetterID == letterID && rv.SequenceOrder == repository.FinalApproverOrder {
			return &rv, nil
		}
	}
	return nil, nil
}

func (m *MemoryReviewers) HasParticipant(ctx context.Context, q database.Querier, letterID, userID string) (bool, error) {
	for _, rv := range m.st.reviewers {
		if rv.LetterID == letterID && rv.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryReviewers) UpdateStatus(ctx context.Context, q database.Querier, id string, status repository.ReviewerStatus) error {
	rv, ok := m.st.reviewers[id]
	if !ok {
		return errors.NotFound("letter reviewer", id)
	}
	now := time.Now().UTC()
	rv.Status = status
	rv.ActedAt = &now
	m.st.reviewers[id] = rv
	return nil
}

func (m *MemoryReviewers) Reassign(ctx context.Context, q database.Querier, id, newUserID, fromUserID string) error {
	rv, ok := m.st.reviewers[id]
	if !ok {
		return errors.NotFound("letter reviewer", id)
	}
	rv.UserID = newUserID
	rv.Status = repository.ReviewerPending
	rv.ActedAt = nil
	rv.ReassignedFromUserID = &fromUserID
	m.st.reviewers[id] = rv
	return nil
}

func (m *MemoryReviewers) ResetAll(ctx context.Context, q database.Querier, letterID string) error {
	for id, rv := range m.st.reviewers {
		if rv.LetterID != letterID {
			continue
		}
		rv.Status = repository.ReviewerPending
		rv.ActedAt = nil
		rv.ReassignedFromUserID = nil
		m.st.reviewers[id] = rv
	}
	return nil
}

type MemoryActionLogs struct{ st *memState }

func (m *MemoryActionLogs) Append(ctx context.Context, q database.Querier, entry *repository.LetterActionLog) error {
	entry.ID = m.st.nextID("log")
	entry.CreatedAt = time.Now().UTC()
	m.st.logs = append(m.st.logs, *entry)
	return nil
}

func (m *MemoryActionLogs) ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*repository.LetterActionLog, error) {
	var out []*repository.LetterActionLog
	for _, e := range m.st.logs {
		if e.LetterID == letterID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

type MemoryActivity struct {
	st  *memState
	Err error
}

func (m *MemoryActivity) Record(ctx context.Context, tx database.Querier, entry *repository.ActivityLog) error {
	if m.Err != nil {
		return m.Err
	}
	entry.ID = m.st.nextID("activity")
	m.st.activity = append(m.st.activity, *entry)
	return nil
}

type MemoryFiles struct {
	st    *memState
	Files map[string]*repository.File
}

func (m *MemoryFiles) GetByID(ctx context.Context, q database.Querier, id string) (*repository.File, error) {
	f, ok := m.Files[id]
	if !ok {
		return nil, errors.NotFound("file", id)
	}
	return f, nil
}

func (m *MemoryFiles) MarkAllocated(ctx context.Context, q database.Querier, id string) error {
	if _, ok := m.Files[id]; !ok {
		return errors.NotFound("file", id)
	}
	m.st.allocated[id] = true
	return nil
}

type MockTemplates struct {
	Templates map[string]*repository.Template
}

func (m *MockTemplates) GetByID(ctx context.Context, q database.Querier, id string) (*repository.Template, error) {
	t, ok := m.Templates[id]
	if !ok {
		return nil, errors.NotFound("template", id)
	}
	return t, nil
}

type MockUsers struct {
	Users map[string]*repository.User
}

func (m *MockUsers) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := m.Users[id]
	return ok, nil
}

func (m *MockUsers) Get(ctx context.Context, id string) (*repository.User, error) {
	u, ok := m.Users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return u, nil
}

// MockDocuments is an in-memory document store. It is not transactional.
type MockDocuments struct {
	Objects map[string][]byte
	PutErr  error
	Puts    []string
	TTLs    []time.Duration
}

func (m *MockDocuments) GetBuffer(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.Objects[key]
	if !ok {
		return nil, errors.NotFound("object", key)
	}
	return data, nil
}

func (m *MockDocuments) PutBuffer(ctx context.Context, data []byte, key, mimeType string) (*storage.PutResult, error) {
	if m.PutErr != nil {
		return nil, m.PutErr
	}
	m.Objects[key] = data
	m.Puts = append(m.Puts, key)
	return &storage.PutResult{Key: key}, nil
}

func (m *MockDocuments) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.TTLs = append(m.TTLs, ttl)
	return fmt.Sprintf("https://s3.test/%s?X-Amz-Expires=%d", key, int(ttl.Seconds())), nil
}

type pdfCall struct {
	Doc        []byte
	Placements []repository.Placement
	QR         []byte
}

type MockPDF struct {
	Calls []pdfCall
	Err   error
}

func (m *MockPDF) Apply(ctx context.Context, doc []byte, placements []repository.Placement, qrPNG []byte) ([]byte, error) {
	m.Calls = append(m.Calls, pdfCall{Doc: doc, Placements: placements, QR: qrPNG})
	if m.Err != nil {
		return nil, m.Err
	}
	return append(append([]byte{}, doc...), []byte("+baked")...), nil
}

type MockQR struct{}

func (MockQR) Encode(text string) ([]byte, error) {
	return []byte("qr:" + text), nil
}

type MockRenderer struct {
	HTML []string
	Err  error
}

func (m *MockRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	m.HTML = append(m.HTML, html)
	if m.Err != nil {
		return nil, m.Err
	}
	return []byte("%PDF rendered"), nil
}

type MockNotifier struct {
	mu   sync.Mutex
	Sent []Notification
}

func (m *MockNotifier) Notify(ctx context.Context, n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, n)
}

func (m *MockNotifier) Last() Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return Notification{}
	}
	return m.Sent[len(m.Sent)-1]
}

// ── Fixture ──────────────────────────────────────────────────────────────────

const (
	submitter = "submitter"
	reviewer1 = "r1"
	reviewer2 = "r2"
	reviewer3 = "r3"
	approver  = "approver"
	outsider  = "outsider"
)

type fixture struct {
	st        *memState
	tx        *MemoryTx
	activity  *MemoryActivity
	files     *MemoryFiles
	templates *MockTemplates
	docs      *MockDocuments
	pdf       *MockPDF
	renderer  *MockRenderer
	notifier  *MockNotifier

	creation *LetterCreationService
	workflow *LetterWorkflowService
	access   *LetterAccessService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := newMemState()
	f := &fixture{
		st:       st,
		tx:       &MemoryTx{st: st},
		activity: &MemoryActivity{st: st},
		files: &MemoryFiles{st: st, Files: map[string]*repository.File{
			"file-1": {ID: "file-1", StorageKey: "uploads/source.pdf", MimeType: "application/pdf", UploadedBy: submitter},
			"file-2": {ID: "file-2", StorageKey: "uploads/revision.pdf", MimeType: "application/pdf", UploadedBy: submitter},
		}},
		templates: &MockTemplates{Templates: map[string]*repository.Template{
			"tpl": {
				ID: "tpl", Name: "Offer letter", Content: "<p>Dear {{name}}</p>", OwnerID: strPtr(approver),
				Reviewers: []repository.TemplateReviewer{{UserID: reviewer1}, {UserID: reviewer2}},
			},
			"tpl-self": {
				ID: "tpl-self", Name: "Self", Content: "<p>x</p>", OwnerID: strPtr(approver),
				Reviewers: []repository.TemplateReviewer{{UserID: submitter}, {UserID: reviewer1}, {UserID: approver}, {UserID: reviewer2}},
			},
			"tpl-owned-by-submitter": {
				ID: "tpl-owned-by-submitter", Name: "Own", Content: "<p>x</p>", OwnerID: strPtr(submitter),
				Reviewers: []repository.TemplateReviewer{{UserID: reviewer1}},
			},
			"tpl-approver-only": {ID: "tpl-approver-only", Name: "Memo", Content: "<p>x</p>", OwnerID: strPtr(approver)},
			"tpl-empty":         {ID: "tpl-empty", Name: "Note"},
			"tpl-orphan": {
				ID: "tpl-orphan", Name: "Orphan",
				Reviewers: []repository.TemplateReviewer{{UserID: reviewer1}},
			},
			"tpl-no-content": {
				ID: "tpl-no-content", Name: "Blank", OwnerID: strPtr(approver),
				Reviewers: []repository.TemplateReviewer{{UserID: reviewer1}},
			},
		}},
		docs: &MockDocuments{Objects: map[string][]byte{
			"uploads/source.pdf":   []byte("%PDF source"),
			"uploads/revision.pdf": []byte("%PDF revision"),
		}},
		pdf:      &MockPDF{},
		renderer: &MockRenderer{},
		notifier: &MockNotifier{},
	}

	users := &MockUsers{Users: map[string]*repository.User{}}
	for _, id := range []string{submitter, reviewer1, reviewer2, reviewer3, approver, outsider} {
		users.Users[id] = &repository.User{ID: id, Email: id + "@example.com", FirstName: id}
	}

	deps := Dependencies{
		Tx:            f.tx,
		Letters:       &MemoryLetters{st: st},
		Reviewers:     &MemoryReviewers{st: st},
		ActionLogs:    &MemoryActionLogs{st: st},
		Templates:     f.templates,
		Files:         f.files,
		Activity:      f.activity,
		Users:         users,
		Documents:     f.docs,
		PDF:           f.pdf,
		QR:            MockQR{},
		Renderer:      f.renderer,
		Notifier:      f.notifier,
		PublicBaseURL: "https://docs.example.com",
	}

	f.creation = NewLetterCreationService(deps, logger.Nop())
	f.workflow = NewLetterWorkflowService(deps, logger.Nop())
	f.access = NewLetterAccessService(deps, logger.Nop())
	return f
}

func strPtr(s string) *string { return &s }

func (f *fixture) letter(t *testing.T, id string) repository.Letter {
	t.Helper()
	l, ok := f.st.letters[id]
	if !ok {
		t.Fatalf("letter %s not stored", id)
	}
	return l
}

func (f *fixture) slots(t *testing.T, letterID string) []*repository.LetterReviewer {
	t.Helper()
	slots, _ := (&MemoryReviewers{st: f.st}).ListByLetter(context.Background(), nil, letterID)
	return slots
}

func (f *fixture) slotOf(t *testing.T, letterID, userID string) *repository.LetterReviewer {
	t.Helper()
	for _, s := range f.slots(t, letterID) {
		if s.UserID == userID {
			return s
		}
	}
	t.Fatalf("no slot for %s on %s", userID, letterID)
	return nil
}

// createTemplateLetter runs Scenario A's setup: tpl with r1, r2 and approver.
func (f *fixture) createTemplateLetter(t *testing.T) *repository.Letter {
	t.Helper()
	l, err := f.creation.CreateFromTemplate(context.Background(), &CreateFromTemplateRequest{
		TemplateID:  "tpl",
		SubmitterID: submitter,
		FormData:    map[string]interface{}{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("CreateFromTemplate: %v", err)
	}
	return l
}

// assertTurnInvariant checks that a pending letter's current step points at
// exactly one pending slot owned by nextActionById, and that the approver
// slot is ordered after every reviewer.
func (f *fixture) assertTurnInvariant(t *testing.T, letterID string) {
	t.Helper()
	l := f.letter(t, letterID)
	slots := f.slots(t, letterID)

	maxReviewer := 0
	for _, s := range slots {
		if !s.IsFinalApprover() && s.SequenceOrder > maxReviewer {
			maxReviewer = s.SequenceOrder
		}
	}
	for _, s := range slots {
		if s.IsFinalApprover() && s.SequenceOrder <= maxReviewer {
			t.Errorf("approver order %d not after reviewer order %d", s.SequenceOrder, maxReviewer)
		}
	}

	if !l.IsPending() {
		return
	}
	if l.CurrentStepIndex == nil || l.NextActionByID == nil {
		t.Fatalf("pending letter without current step: %+v", l)
	}
	matches := 0
	for _, s := range slots {
		if s.SequenceOrder == *l.CurrentStepIndex {
			matches++
			if s.UserID != *l.NextActionByID {
				t.Errorf("slot %d owner = %s, nextActionById = %s", s.SequenceOrder, s.UserID, *l.NextActionByID)
			}
			if s.Status != repository.ReviewerPending {
				t.Errorf("current slot status = %s, want pending", s.Status)
			}
		}
	}
	if matches != 1 {
		t.Errorf("slots at current step = %d, want 1", matches)
	}
}

func expectCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := errors.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}
