package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/internal/domain"
	"github.com/lattice-hq/lattice/internal/domain/connector"
	"github.com/lattice-hq/lattice/internal/domain/conversation"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/port/eventstore"
	"github.com/lattice-hq/lattice/internal/port/llm"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/port/stream"
)

// ---------------------------------------------------------------------------
// fakeStore: in-memory database.Store
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu            sync.Mutex
	connectors    map[string]*connector.Connector
	runs          map[string]*connector.SyncRun
	finishedRuns  chan *connector.SyncRun
	groups        map[string]*record.Group // keyed by connectorID+externalID
	records       map[string]*record.Record
	recordsByExt  map[string]*record.Record // keyed by groupID+externalID
	statuses      map[string][]record.Status
	fragments     map[string][]record.Fragment
	permissions   map[string][]record.Permission
	conversations map[string]*conversation.Conversation
	messages      map[string][]conversation.Message
	tokens        map[string][]byte

	getRecordErr        error
	replaceFragmentsErr error

	// Optional blocking hooks. When set, the matching call announces on
	// started (if non-nil) and then waits for the gate to close, outside
	// the store lock so other calls keep working.
	getRecordGate        chan struct{}
	getRecordStarted     chan string
	replaceFragmentsGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connectors:    make(map[string]*connector.Connector),
		runs:          make(map[string]*connector.SyncRun),
		finishedRuns:  make(chan *connector.SyncRun, 8),
		groups:        make(map[string]*record.Group),
		records:       make(map[string]*record.Record),
		recordsByExt:  make(map[string]*record.Record),
		statuses:      make(map[string][]record.Status),
		fragments:     make(map[string][]record.Fragment),
		permissions:   make(map[string][]record.Permission),
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string][]conversation.Message),
		tokens:        make(map[string][]byte),
	}
}

var _ database.Store = (*fakeStore)(nil)

func (s *fakeStore) ListConnectors(context.Context) ([]connector.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]connector.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		out = append(out, *c)
	}
	return out, nil
}

func (s *fakeStore) GetConnector(_ context.Context, id string) (*connector.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return nil, fmt.Errorf("connector %s: %w", id, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) CreateConnector(_ context.Context, req connector.CreateRequest) (*connector.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &connector.Connector{
		ID:            uuid.NewString(),
		Name:          req.Name,
		SourceType:    req.SourceType,
		OAuthProvider: req.OAuthProvider,
		Config:        req.Config,
		Status:        connector.StatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.connectors[c.ID] = c
	return c, nil
}

func (s *fakeStore) UpdateConnectorStatus(_ context.Context, id string, status connector.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	return nil
}

func (s *fakeStore) DeleteConnector(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.connectors, id)
	return nil
}

func (s *fakeStore) CreateSyncRun(_ context.Context, connectorID string) (*connector.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &connector.SyncRun{
		ID:          uuid.NewString(),
		ConnectorID: connectorID,
		Status:      connector.RunRunning,
		StartedAt:   time.Now(),
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *fakeStore) FinishSyncRun(_ context.Context, run *connector.SyncRun) error {
	s.mu.Lock()
	now := time.Now()
	run.CompletedAt = &now
	s.runs[run.ID] = run
	s.mu.Unlock()
	s.finishedRuns <- run
	return nil
}

func (s *fakeStore) ListSyncRuns(_ context.Context, connectorID string, _ int) ([]connector.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []connector.SyncRun
	for _, r := range s.runs {
		if r.ConnectorID == connectorID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertGroup(_ context.Context, g *record.Group) (*record.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := g.ConnectorID + "/" + g.ExternalID
	if existing, ok := s.groups[key]; ok {
		existing.Name = g.Name
		existing.Description = g.Description
		cp := *existing
		return &cp, nil
	}
	cp := *g
	cp.ID = uuid.NewString()
	s.groups[key] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) ListGroups(_ context.Context, connectorID string) ([]record.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Group
	for _, g := range s.groups {
		if g.ConnectorID == connectorID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertRecord(_ context.Context, r *record.Record) (*database.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.GroupID + "/" + r.ExternalID
	if existing, ok := s.recordsByExt[key]; ok {
		if existing.Checksum == r.Checksum {
			cp := *existing
			return &database.UpsertResult{Record: &cp, Changed: false}, nil
		}
		existing.Title = r.Title
		existing.Content = r.Content
		existing.Checksum = r.Checksum
		existing.Revision = r.Revision
		existing.Status = record.StatusPending
		existing.Version++
		cp := *existing
		return &database.UpsertResult{Record: &cp, Changed: true}, nil
	}
	cp := *r
	cp.ID = uuid.NewString()
	cp.Status = record.StatusPending
	cp.Version = 1
	s.recordsByExt[key] = &cp
	s.records[cp.ID] = &cp
	out := cp
	return &database.UpsertResult{Record: &out, Changed: true}, nil
}

func (s *fakeStore) GetRecord(_ context.Context, id string) (*record.Record, error) {
	s.mu.Lock()
	gate, started := s.getRecordGate, s.getRecordStarted
	s.mu.Unlock()
	if started != nil {
		started <- id
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getRecordErr != nil {
		return nil, s.getRecordErr
	}
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListRecordsByGroup(_ context.Context, groupID string, _ int) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Record
	for _, r := range s.records {
		if r.GroupID == groupID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) SearchRecords(context.Context, string, int) ([]record.Record, error) {
	return nil, nil
}

func (s *fakeStore) UpdateRecordStatus(_ context.Context, id string, status record.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status = status
	}
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *fakeStore) ReplaceRecordPermissions(_ context.Context, recordID string, perms []record.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[recordID] = perms
	return nil
}

func (s *fakeStore) ListRecordPermissions(_ context.Context, recordID string) ([]record.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[recordID], nil
}

func (s *fakeStore) ReplaceFragments(_ context.Context, recordID string, frags []record.Fragment) error {
	s.mu.Lock()
	gate := s.replaceFragmentsGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceFragmentsErr != nil {
		return s.replaceFragmentsErr
	}
	s.fragments[recordID] = frags
	return nil
}

func (s *fakeStore) ListFragments(_ context.Context, recordID string) ([]record.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragments[recordID], nil
}

func (s *fakeStore) CreateConversation(_ context.Context, c *conversation.Conversation) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now()
	s.conversations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListConversations(context.Context) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Conversation
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *fakeStore) CreateMessage(_ context.Context, m *conversation.Message) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now()
	s.messages[cp.ConversationID] = append(s.messages[cp.ConversationID], cp)
	out := cp
	return &out, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) UpsertOAuthToken(_ context.Context, provider, connectorID string, sealed []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider+"/"+connectorID] = sealed
	return nil
}

func (s *fakeStore) GetOAuthToken(_ context.Context, provider, connectorID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.tokens[provider+"/"+connectorID]
	if !ok {
		return nil, fmt.Errorf("oauth token %s/%s: %w", provider, connectorID, domain.ErrNotFound)
	}
	return sealed, nil
}

func (s *fakeStore) DeleteOAuthToken(_ context.Context, provider, connectorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider+"/"+connectorID)
	return nil
}

// ---------------------------------------------------------------------------
// fakeQueue: records published messages
// ---------------------------------------------------------------------------

type published struct {
	Subject string
	Data    []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []published
}

var _ messagequeue.Queue = (*fakeQueue)(nil)

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, published{Subject: subject, Data: data})
	return nil
}

func (q *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) bySubject(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, m := range q.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// fakeWriter / fakeReader: in-memory record log
// ---------------------------------------------------------------------------

type fakeWriter struct {
	mu     sync.Mutex
	writes []stream.Message
}

func (w *fakeWriter) Write(_ context.Context, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, stream.Message{Key: key, Value: value, Offset: int64(len(w.writes))})
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

type fakeReader struct {
	ch        chan stream.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(buf int) *fakeReader {
	return &fakeReader{ch: make(chan stream.Message, buf)}
}

func (r *fakeReader) Fetch(ctx context.Context) (stream.Message, error) {
	select {
	case msg := <-r.ch:
		return msg, nil
	case <-ctx.Done():
		return stream.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Commit(_ context.Context, msg stream.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msg.Offset)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// ---------------------------------------------------------------------------
// fakeEvents: in-memory eventstore.Store
// ---------------------------------------------------------------------------

type fakeEvents struct {
	mu     sync.Mutex
	events []event.TrajectoryEvent
}

var _ eventstore.Store = (*fakeEvents)(nil)

func (e *fakeEvents) Append(_ context.Context, ev *event.TrajectoryEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev.ID = uuid.NewString()
	ev.Version = len(e.events) + 1
	ev.CreatedAt = time.Now()
	e.events = append(e.events, *ev)
	return nil
}

func (e *fakeEvents) LoadByConversation(_ context.Context, conversationID string, filter eventstore.Filter) ([]event.TrajectoryEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event.TrajectoryEvent
	for _, ev := range e.events {
		if ev.ConversationID != conversationID {
			continue
		}
		if len(filter.Types) > 0 {
			match := false
			for _, t := range filter.Types {
				if ev.Type == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (e *fakeEvents) byType(typ event.Type) []event.TrajectoryEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event.TrajectoryEvent
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// fakeLLM: scripted responses
// ---------------------------------------------------------------------------

type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
}

var _ llm.Client = (*fakeLLM)(nil)

func (f *fakeLLM) ChatCompletion(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fakeLLM: no scripted responses left")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}
