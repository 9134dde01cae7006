package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"course-tutor/internal/contextcache"
	"course-tutor/internal/domain"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls atomic.Int32
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls.Add(1)
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type transientParams struct {
	*mockParams
	mu       sync.Mutex
	failOnce bool
}

func (p *transientParams) GetParameter(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	fail := p.failOnce
	p.failOnce = false
	p.mu.Unlock()
	if fail {
		return "", errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameter(ctx, name)
}

type memStore struct {
	mu     sync.Mutex
	vals   map[string][]byte
	getErr error
	setErr error
	sets   int
}

func newMemStore() *memStore {
	return &memStore{vals: map[string][]byte{}}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.vals[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) value(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok
}

type fakeGenerator struct {
	mu sync.Mutex

	createDelay time.Duration
	createErr   error
	invokeErr   error
	answer      string

	createCalls  int
	cachedCalls  int
	fullCalls    int
	payload      string
	systemCtx    string
	usedHandle   domain.CacheHandle
	history      []domain.Message
	input        string
	createdCount int
}

func (f *fakeGenerator) CreateCachedContext(ctx context.Context, payload string, ttl time.Duration) (domain.CacheHandle, error) {
	f.mu.Lock()
	f.createCalls++
	f.payload = payload
	delay, err := f.createDelay, f.createErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.CacheHandle{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.CacheHandle{}, err
	}

	f.mu.Lock()
	f.createdCount++
	id := fmt.Sprintf("cachedContents/c%d", f.createdCount)
	f.mu.Unlock()
	return domain.CacheHandle{ID: id, ExpiresAtMs: time.Now().Add(ttl).UnixMilli()}, nil
}

func (f *fakeGenerator) InvokeCached(_ context.Context, handle domain.CacheHandle, history []domain.Message, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cachedCalls++
	f.usedHandle = handle
	f.history = history
	f.input = input
	return f.answer, f.invokeErr
}

func (f *fakeGenerator) InvokeFull(_ context.Context, systemContext string, history []domain.Message, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullCalls++
	f.systemCtx = systemContext
	f.history = history
	f.input = input
	return f.answer, f.invokeErr
}

func (f *fakeGenerator) counts() (create, cached, full int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.cachedCalls, f.fullCalls
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/tutor/system_instruction": "You are a patient tutor.",
			"/tutor/course_content":     "Chapter 1: limits.",
		},
	}
}

func defaultOptions() ChatOptions {
	return ChatOptions{
		Scope:       "MATH101",
		ParamPrefix: "/tutor",
		WindowSize:  6,
		CacheTTL:    time.Hour,
		Deadline:    2 * time.Second,
	}
}

func newTestChatService(t *testing.T, p ParamGetter, gen Generator, store contextcache.Store, opts ChatOptions) *ChatService {
	t.Helper()
	svc, err := NewChatService(p, gen, contextcache.New(store), nil, opts)
	require.NoError(t, err)
	return svc
}

func expectUsecaseError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
	return usecaseErr
}

func userTurn(text string) domain.RawMessage  { return domain.RawMessage{Role: "user", Text: text} }
func modelTurn(text string) domain.RawMessage { return domain.RawMessage{Role: "model", Text: text} }

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	cache := contextcache.New(nil)

	_, err := NewChatService(nil, &fakeGenerator{}, cache, nil, defaultOptions())
	require.Error(t, err)

	_, err = NewChatService(defaultParams(), &fakeGenerator{}, nil, nil, defaultOptions())
	require.Error(t, err)

	opts := defaultOptions()
	opts.ParamPrefix = " "
	_, err = NewChatService(defaultParams(), &fakeGenerator{}, cache, nil, opts)
	require.Error(t, err)

	svc, err := NewChatService(defaultParams(), nil, cache, nil, ChatOptions{ParamPrefix: "/tutor/"})
	require.NoError(t, err)
	require.Equal(t, "/tutor", svc.opts.ParamPrefix)
	require.Equal(t, defaultWindowSize, svc.opts.WindowSize)
	require.Equal(t, defaultRequestDeadline, svc.opts.Deadline)
	require.Equal(t, defaultPipelineCeiling, svc.opts.PipelineCeiling)
	require.Equal(t, defaultCacheTTL, svc.opts.CacheTTL)
}

func TestChat_MissingCredential(t *testing.T) {
	svc := newTestChatService(t, defaultParams(), nil, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	expectUsecaseError(t, err, ErrorConfig, "missing_credential")
}

func TestChat_EmptyConversation_MakesNoCalls(t *testing.T) {
	params := defaultParams()
	store := newMemStore()
	gen := &fakeGenerator{answer: "unused"}
	svc := newTestChatService(t, params, gen, store, defaultOptions())

	for _, msgs := range [][]domain.RawMessage{
		nil,
		{},
		{modelTurn("welcome")},
		{{Role: "user", Text: "oops", IsError: true}, userTurn("   ")},
	} {
		_, err := svc.Chat(context.Background(), ChatInput{Messages: msgs})
		expectUsecaseError(t, err, ErrorInvalidInput, "empty_conversation")
	}

	create, cached, full := gen.counts()
	require.Zero(t, create+cached+full)
	require.Zero(t, params.calls.Load())
	require.Zero(t, store.sets)
}

func TestChat_ColdStart_ProvisionsAndPersists(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{answer: "A limit describes approach."}
	svc := newTestChatService(t, defaultParams(), gen, store, defaultOptions())

	out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("What is a limit?")}})
	require.NoError(t, err)
	require.Equal(t, "A limit describes approach.", out.Text)
	require.True(t, out.Cached)

	create, cached, full := gen.counts()
	require.Equal(t, 1, create)
	require.Equal(t, 1, cached)
	require.Zero(t, full)
	require.Equal(t, "INSTRUCTIONS: You are a patient tutor.\n\nCOURSE: Chapter 1: limits.", gen.payload)
	require.Equal(t, "cachedContents/c1", gen.usedHandle.ID)

	raw, ok := store.value("MATH101_active_cache_info")
	require.True(t, ok)
	require.Contains(t, string(raw), `"name":"cachedContents/c1"`)
}

func TestChat_WarmCache_ReusesHandle(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, defaultParams(), gen, store, defaultOptions())

	for i := 0; i < 3; i++ {
		out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("again")}})
		require.NoError(t, err)
		require.True(t, out.Cached)
	}

	create, cached, _ := gen.counts()
	require.Equal(t, 1, create)
	require.Equal(t, 3, cached)
}

func TestChat_ProvisionFailure_FallsBackToFullContext(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{answer: "inline answer", createErr: errors.New("content too small to cache")}
	svc := newTestChatService(t, defaultParams(), gen, store, defaultOptions())

	out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	require.NoError(t, err)
	require.Equal(t, "inline answer", out.Text)
	require.False(t, out.Cached)

	_, cached, full := gen.counts()
	require.Zero(t, cached)
	require.Equal(t, 1, full)
	require.Equal(t, "INSTRUCTIONS: You are a patient tutor.\n\nCOURSE: Chapter 1: limits.\n\n", gen.systemCtx)
	_, ok := store.value("MATH101_active_cache_info")
	require.False(t, ok)
}

func TestChat_StoreLookupError_StillAnswers(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("kv unreachable")
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, defaultParams(), gen, store, defaultOptions())

	out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	require.NoError(t, err)
	require.True(t, out.Cached)
}

func TestChat_StorePersistError_StillAnswers(t *testing.T) {
	store := newMemStore()
	store.setErr = errors.New("kv read-only")
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, defaultParams(), gen, store, defaultOptions())

	out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	require.NoError(t, err)
	require.True(t, out.Cached)
}

func TestChat_GenerationError_PreservesBackendMessage(t *testing.T) {
	gen := &fakeGenerator{invokeErr: errors.New("quota exhausted for project")}
	svc := newTestChatService(t, defaultParams(), gen, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	usecaseErr := expectUsecaseError(t, err, ErrorGeneration, "generation_error")
	require.Contains(t, usecaseErr.Message(), "quota exhausted for project")
}

func TestChat_DeadlineExceeded_PersistsInBackground(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{answer: "late", createDelay: 300 * time.Millisecond}
	opts := defaultOptions()
	opts.Deadline = 20 * time.Millisecond
	svc := newTestChatService(t, defaultParams(), gen, store, opts)

	start := time.Now()
	_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	usecaseErr := expectUsecaseError(t, err, ErrorTimeout, "deadline_exceeded")
	require.Contains(t, usecaseErr.Message(), "warming up")
	require.Less(t, time.Since(start), 250*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := store.value("MATH101_active_cache_info")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChat_CallerCancellation(t *testing.T) {
	gen := &fakeGenerator{answer: "late", createDelay: 200 * time.Millisecond}
	svc := newTestChatService(t, defaultParams(), gen, newMemStore(), defaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := svc.Chat(ctx, ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	expectUsecaseError(t, err, ErrorTimeout, "request_cancelled")
}

func TestChat_ParamLoadError_IsRetriedOnNextRequest(t *testing.T) {
	p := &transientParams{mockParams: defaultParams(), failOnce: true}
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, p, gen, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	expectUsecaseError(t, err, ErrorInternal, "ssm_load_error")

	out, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Text)
}

func TestChat_ParamMissing(t *testing.T) {
	p := defaultParams()
	delete(p.vals, "/tutor/course_content")
	svc := newTestChatService(t, p, &fakeGenerator{answer: "ok"}, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
	expectUsecaseError(t, err, ErrorInternal, "ssm_load_error")
}

func TestChat_CourseContextLoadedOnce(t *testing.T) {
	p := defaultParams()
	svc := newTestChatService(t, p, &fakeGenerator{answer: "ok"}, newMemStore(), defaultOptions())

	for i := 0; i < 3; i++ {
		_, err := svc.Chat(context.Background(), ChatInput{Messages: []domain.RawMessage{userTurn("hi")}})
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), p.calls.Load())
}

func TestChat_StudentPrefix_FirstTurnOnly(t *testing.T) {
	student := &domain.StudentProfile{ID: "s-42", Name: "Ada"}
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, defaultParams(), gen, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{
		Messages: []domain.RawMessage{modelTurn("Welcome!"), userTurn("Hello")},
		Student:  student,
	})
	require.NoError(t, err)
	require.Equal(t, "[STUDENT: Ada (ID: s-42)]\nHello", gen.input)
	require.Empty(t, gen.history)
	require.Equal(t, 1, strings.Count(gen.input, "[STUDENT:"))

	_, err = svc.Chat(context.Background(), ChatInput{
		Messages: []domain.RawMessage{userTurn("Hello"), modelTurn("Hi Ada"), userTurn("What is a limit?")},
		Student:  student,
	})
	require.NoError(t, err)
	require.Equal(t, "What is a limit?", gen.input)
	require.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Text: "Hello"},
		{Role: domain.RoleModel, Text: "Hi Ada"},
	}, gen.history)
}

func TestChat_BlankStudentGetsNoPrefix(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestChatService(t, defaultParams(), gen, newMemStore(), defaultOptions())

	_, err := svc.Chat(context.Background(), ChatInput{
		Messages: []domain.RawMessage{userTurn("Hello")},
		Student:  &domain.StudentProfile{},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", gen.input)
}

func TestCourseContext_Payloads(t *testing.T) {
	c := courseContext{instruction: "  Be kind. ", content: "Notes\n"}
	require.Equal(t, "INSTRUCTIONS: Be kind.\n\nCOURSE: Notes", c.cachePayload())
	require.Equal(t, c.cachePayload()+"\n\n", c.fullContext())
}

func TestStudentPrefix(t *testing.T) {
	require.Empty(t, studentPrefix(nil))
	require.Empty(t, studentPrefix(&domain.StudentProfile{}))
	require.Empty(t, studentPrefix(&domain.StudentProfile{ID: " ", Name: "\t"}))
	require.Equal(t, "[STUDENT: Ada (ID: 7)]\n", studentPrefix(&domain.StudentProfile{ID: "7", Name: "Ada"}))
	require.Equal(t, "[STUDENT: Ada (ID: )]\n", studentPrefix(&domain.StudentProfile{Name: "Ada"}))
	require.Equal(t, "[STUDENT:  (ID: 7)]\n", studentPrefix(&domain.StudentProfile{ID: "7"}))

	history := []domain.Message{{Role: domain.RoleUser, Text: "earlier"}}
	require.Equal(t, "next", currentTurnInput(history, "next", &domain.StudentProfile{ID: "7", Name: "Ada"}))
	require.Equal(t, "first", currentTurnInput(nil, "first", nil))
}

func TestReady(t *testing.T) {
	svc := newTestChatService(t, defaultParams(), nil, newMemStore(), defaultOptions())
	expectUsecaseError(t, svc.Ready(), ErrorConfig, "missing_credential")

	svc = newTestChatService(t, defaultParams(), &fakeGenerator{}, newMemStore(), defaultOptions())
	require.NoError(t, svc.Ready())
}
