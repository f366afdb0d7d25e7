package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	cursor     string
	cursorSets []string
	msgs       map[string]store.MessageRecord
	flagSets   []bool
	lastSynced time.Time
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string]store.MessageRecord)}
}

func (s *memStore) UpsertAccount(ctx context.Context, a *store.Account) error { return nil }
func (s *memStore) FindAccount(ctx context.Context, id string) (*store.Account, error) {
	return nil, nil
}
func (s *memStore) UpsertCredential(ctx context.Context, accountID string, enc *store.EncryptedCredential) error {
	return nil
}
func (s *memStore) GetCredential(ctx context.Context, accountID string) (*store.EncryptedCredential, error) {
	return nil, nil
}

func (s *memStore) UpsertMessage(ctx context.Context, rec *store.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[rec.ProviderID] = *rec
	return nil
}

func (s *memStore) CountMessages(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs), nil
}

func (s *memStore) ListMessages(ctx context.Context, accountID string, limit, offset int) ([]store.MessageRecord, error) {
	return nil, nil
}

func (s *memStore) GetCursor(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *memStore) SetCursor(ctx context.Context, accountID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	s.cursorSets = append(s.cursorSets, cursor)
	return nil
}

func (s *memStore) SetSyncInProgress(ctx context.Context, accountID string, inProgress bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagSets = append(s.flagSets, inProgress)
	return nil
}

func (s *memStore) SetLastSynced(ctx context.Context, accountID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSynced = t
	return nil
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *memStore) has(providerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.msgs[providerID]
	return ok
}

type staticTokens struct{ err error }

func (s staticTokens) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "tok", nil
}

type fakeMailbox struct {
	mu          sync.Mutex
	listPages   map[string]*provider.ListPage
	changePages map[string]*provider.ChangePage
	listCalls   int
	changeCalls int
	listErr     error
	changeErr   error
	changeErrs  map[string]error
	cursorNow   string
	listGate    chan struct{}
}

func (f *fakeMailbox) ListMessageIDs(ctx context.Context, accessToken, pageToken string, pageSize int64) (*provider.ListPage, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	page, ok := f.listPages[pageToken]
	if !ok {
		return &provider.ListPage{}, nil
	}
	return page, nil
}

func (f *fakeMailbox) ListChanges(ctx context.Context, accessToken, cursor, pageToken string) (*provider.ChangePage, error) {
	f.mu.Lock()
	f.changeCalls++
	f.mu.Unlock()
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	if err := f.changeErrs[pageToken]; err != nil {
		return nil, err
	}
	page, ok := f.changePages[pageToken]
	if !ok {
		return &provider.ChangePage{}, nil
	}
	return page, nil
}

func (f *fakeMailbox) CurrentCursor(ctx context.Context, accessToken string) (string, error) {
	return f.cursorNow, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, accessToken, id string) (*provider.MessagePayload, error) {
	panic("not used")
}

func (f *fakeMailbox) RefreshCredential(ctx context.Context, refreshToken string) (*provider.Credential, error) {
	panic("not used")
}

type recordingFetcher struct {
	mu      sync.Mutex
	batches [][]string
}

func (f *recordingFetcher) FetchAll(ctx context.Context, accessToken string, ids []string) ([]*provider.MessagePayload, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	f.mu.Unlock()
	out := make([]*provider.MessagePayload, len(ids))
	for i, id := range ids {
		out[i] = &provider.MessagePayload{ID: id, InternalDate: time.Now()}
	}
	return out, nil
}

func (f *recordingFetcher) allIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func idRange(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, "m"+strconv.Itoa(i))
	}
	return out
}

func TestFullSync_PaginatesAndSetsCursor(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"":   {IDs: idRange(0, 100), NextPageToken: "p1", SizeEstimate: 250},
			"p1": {IDs: idRange(100, 200), NextPageToken: "p2"},
			"p2": {IDs: idRange(200, 250)},
		},
		cursorNow: "9000",
	}
	ft := &recordingFetcher{}
	eng := New(st, staticTokens{}, mb, ft, zap.NewNop())

	var progress []Progress
	eng.SetProgressFunc(func(accountID string, p Progress) {
		progress = append(progress, p)
	})

	require.NoError(t, eng.FullSync(context.Background(), "acct"))

	assert.Equal(t, 250, st.messageCount())
	assert.Equal(t, "9000", st.cursor)
	assert.Equal(t, 3, mb.listCalls)
	assert.Len(t, ft.batches, 3)
	assert.False(t, st.lastSynced.IsZero())
	assert.Equal(t, []bool{true, false}, st.flagSets)

	require.Len(t, progress, 3)
	assert.Equal(t, 100, progress[0].Processed)
	assert.Equal(t, 250, progress[0].Total)
	assert.Equal(t, 250, progress[2].Processed)
}

func TestFullSync_Idempotent(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"": {IDs: idRange(0, 50)},
		},
		cursorNow: "100",
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	require.NoError(t, eng.FullSync(context.Background(), "acct"))
	require.NoError(t, eng.FullSync(context.Background(), "acct"))
	assert.Equal(t, 50, st.messageCount())
}

func TestFullSync_StopsAtMessageCap(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"":   {IDs: idRange(0, 100), NextPageToken: "p1"},
			"p1": {IDs: idRange(100, 200), NextPageToken: "p2"},
			"p2": {IDs: idRange(200, 300), NextPageToken: "p3"},
		},
		cursorNow: "42",
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())
	eng.maxMessages = 150

	require.NoError(t, eng.FullSync(context.Background(), "acct"))
	// The cap is checked after a page completes, so the second page
	// finishes and the third is never listed.
	assert.Equal(t, 200, st.messageCount())
	assert.Equal(t, 2, mb.listCalls)
	assert.Equal(t, "42", st.cursor)
}

func TestSync_ChoosesModeByCursor(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"": {IDs: idRange(0, 10)},
		},
		changePages: map[string]*provider.ChangePage{
			"": {AddedIDs: []string{"x"}, NewCursor: "8"},
		},
		cursorNow: "7",
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	require.NoError(t, eng.Sync(context.Background(), "acct"))
	assert.Equal(t, 1, mb.listCalls)
	assert.Equal(t, 0, mb.changeCalls)

	require.NoError(t, eng.Sync(context.Background(), "acct"))
	assert.Equal(t, 1, mb.listCalls)
	assert.Equal(t, 1, mb.changeCalls)
}

func TestIncrementalSync_DeduplicatesAcrossPages(t *testing.T) {
	st := newMemStore()
	st.cursor = "100"
	mb := &fakeMailbox{
		changePages: map[string]*provider.ChangePage{
			"":   {AddedIDs: []string{"a", "b", "c"}, NewCursor: "101", NextPageToken: "p1"},
			"p1": {AddedIDs: []string{"b", "d"}, NewCursor: "102"},
		},
	}
	ft := &recordingFetcher{}
	eng := New(st, staticTokens{}, mb, ft, zap.NewNop())

	require.NoError(t, eng.IncrementalSync(context.Background(), "acct"))

	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ft.allIDs())
	assert.Equal(t, 4, st.messageCount())
	// One cursor write, once every page has been consumed.
	assert.Equal(t, []string{"102"}, st.cursorSets)
	assert.Equal(t, "102", st.cursor)
}

func TestIncrementalSync_InterruptedRunRedelivers(t *testing.T) {
	st := newMemStore()
	st.cursor = "100"
	// The provider reports the head cursor "200" on both pages, the way
	// Gmail's history listing does.
	mb := &fakeMailbox{
		changePages: map[string]*provider.ChangePage{
			"":   {AddedIDs: []string{"a"}, NewCursor: "200", NextPageToken: "p1"},
			"p1": {AddedIDs: []string{"b"}, NewCursor: "200"},
		},
		changeErrs: map[string]error{"p1": errors.New("connection reset")},
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	// First run dies on page 2. The cursor must stay at the value the
	// run started from, or page 2's messages would be skipped forever.
	require.Error(t, eng.IncrementalSync(context.Background(), "acct"))
	assert.Equal(t, "100", st.cursor)
	assert.Empty(t, st.cursorSets)
	assert.True(t, st.has("a"))
	assert.False(t, st.has("b"))

	// The next run re-reads from the old cursor and delivers everything.
	mb.changeErrs = nil
	require.NoError(t, eng.IncrementalSync(context.Background(), "acct"))
	assert.True(t, st.has("a"))
	assert.True(t, st.has("b"))
	assert.Equal(t, "200", st.cursor)
}

func TestIncrementalSync_EmptyChangeLog(t *testing.T) {
	st := newMemStore()
	st.cursor = "100"
	mb := &fakeMailbox{
		changePages: map[string]*provider.ChangePage{
			"": {NewCursor: "100"},
		},
	}
	ft := &recordingFetcher{}
	eng := New(st, staticTokens{}, mb, ft, zap.NewNop())

	require.NoError(t, eng.IncrementalSync(context.Background(), "acct"))
	assert.Empty(t, ft.batches)
	assert.Empty(t, st.cursorSets)
	assert.Equal(t, "100", st.cursor)
}

func TestIncrementalSync_InvalidCursorFallsBackToFull(t *testing.T) {
	st := newMemStore()
	st.cursor = "expired"
	mb := &fakeMailbox{
		changeErr: provider.ErrCursorInvalid,
		listPages: map[string]*provider.ListPage{
			"": {IDs: idRange(0, 30)},
		},
		cursorNow: "500",
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	require.NoError(t, eng.IncrementalSync(context.Background(), "acct"))
	assert.Equal(t, 30, st.messageCount())
	assert.Equal(t, 1, mb.listCalls)
	assert.Equal(t, []string{"", "500"}, st.cursorSets)
}

func TestIncrementalSync_NoCursorRunsFull(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"": {IDs: idRange(0, 5)},
		},
		cursorNow: "10",
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	require.NoError(t, eng.IncrementalSync(context.Background(), "acct"))
	assert.Equal(t, 1, mb.listCalls)
	assert.Equal(t, 0, mb.changeCalls)
	assert.Equal(t, 5, st.messageCount())
}

func TestRun_ConcurrentSyncIsNoOp(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	mb := &fakeMailbox{
		listPages: map[string]*provider.ListPage{
			"": {IDs: idRange(0, 10)},
		},
		cursorNow: "20",
		listGate:  gate,
	}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- eng.FullSync(context.Background(), "acct") }()

	require.Eventually(t, func() bool { return eng.IsSyncing("acct") },
		time.Second, 5*time.Millisecond)

	// Second caller returns immediately without doing any work.
	require.NoError(t, eng.FullSync(context.Background(), "acct"))
	mb.mu.Lock()
	assert.Equal(t, 1, mb.listCalls)
	mb.mu.Unlock()

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 10, st.messageCount())
	assert.False(t, eng.IsSyncing("acct"))
}

func TestRun_FailureReportsProgressAndClearsGuard(t *testing.T) {
	st := newMemStore()
	mb := &fakeMailbox{listErr: errors.New("quota exceeded")}
	eng := New(st, staticTokens{}, mb, &recordingFetcher{}, zap.NewNop())

	var gotErr error
	eng.SetProgressFunc(func(accountID string, p Progress) {
		if p.Err != nil {
			gotErr = p.Err
		}
	})

	err := eng.FullSync(context.Background(), "acct")
	require.Error(t, err)
	assert.Error(t, gotErr)
	assert.False(t, eng.IsSyncing("acct"))
	assert.Equal(t, []bool{true, false}, st.flagSets)
}

func TestRun_TokenFailurePropagates(t *testing.T) {
	st := newMemStore()
	tokenErr := errors.New("no credential on file")
	eng := New(st, staticTokens{err: tokenErr}, &fakeMailbox{}, &recordingFetcher{}, zap.NewNop())

	err := eng.FullSync(context.Background(), "acct")
	assert.ErrorIs(t, err, tokenErr)
}
