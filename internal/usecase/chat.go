package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"course-tutor/internal/contextcache"
	"course-tutor/internal/domain"
)

const (
	defaultCacheTTL        = time.Hour
	defaultRequestDeadline = 9 * time.Second
	defaultPipelineCeiling = 55 * time.Second
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Generator is the generation backend: it creates shared cached contexts and
// answers with or without one.
type Generator interface {
	CreateCachedContext(ctx context.Context, payload string, ttl time.Duration) (domain.CacheHandle, error)
	InvokeCached(ctx context.Context, handle domain.CacheHandle, history []domain.Message, input string) (string, error)
	InvokeFull(ctx context.Context, systemContext string, history []domain.Message, input string) (string, error)
}

type CacheResolver interface {
	Resolve(ctx context.Context, scope string, provision contextcache.ProvisionFunc) contextcache.Resolution
}

// ChatOptions carries the per-deployment settings of ChatService.
type ChatOptions struct {
	Scope           string
	ParamPrefix     string
	WindowSize      int
	CacheTTL        time.Duration
	Deadline        time.Duration
	PipelineCeiling time.Duration
}

type ChatService struct {
	params ParamGetter
	gen    Generator
	cache  CacheResolver
	logger *slog.Logger
	opts   ChatOptions

	courseMu     sync.RWMutex
	courseLoaded bool
	course       courseContext
}

type ChatInput struct {
	Messages []domain.RawMessage
	Student  *domain.StudentProfile
}

type ChatOutput struct {
	Text   string
	Cached bool
}

// NewChatService wires the chat orchestration. gen may be nil when no
// generation credential is configured; every Chat call then fails with
// ErrorConfig.
func NewChatService(p ParamGetter, gen Generator, cache CacheResolver, logger *slog.Logger, opts ChatOptions) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if cache == nil {
		return nil, errors.New("usecase: cache resolver must not be nil")
	}
	opts.ParamPrefix = strings.TrimRight(strings.TrimSpace(opts.ParamPrefix), "/")
	if opts.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultRequestDeadline
	}
	if opts.PipelineCeiling < opts.Deadline {
		opts.PipelineCeiling = max(defaultPipelineCeiling, opts.Deadline)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ChatService{
		params: p,
		gen:    gen,
		cache:  cache,
		logger: logger,
		opts:   opts,
	}, nil
}

// Ready reports ErrorConfig when no generation credential is configured.
func (s *ChatService) Ready() error {
	if s.gen == nil {
		return newError(ErrorConfig, "missing_credential", errors.New("generation service credential is not configured"))
	}
	return nil
}

// Chat answers the last user message of in.Messages. The pipeline is raced
// against the request deadline; when the deadline wins ErrorTimeout is
// returned and the pipeline is left running detached. A cache being created
// may still complete and be persisted, but on Lambda that only happens while
// the execution environment stays thawed, typically during a later invocation.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if err := s.Ready(); err != nil {
		return ChatOutput{}, err
	}

	history, input, err := Assemble(in.Messages, s.opts.WindowSize)
	if err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_conversation", err)
	}
	input = currentTurnInput(history, input, in.Student)

	return s.raceDeadline(ctx, func(ctx context.Context) (ChatOutput, error) {
		return s.generate(ctx, history, input)
	})
}

type pipelineResult struct {
	out ChatOutput
	err error
}

func (s *ChatService) raceDeadline(ctx context.Context, run func(context.Context) (ChatOutput, error)) (ChatOutput, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PipelineCeiling)

	// Buffered so the pipeline never blocks once nobody is waiting for it.
	done := make(chan pipelineResult, 1)
	go func() {
		defer cancel()
		out, err := run(pctx)
		done <- pipelineResult{out: out, err: err}
	}()

	timer := time.NewTimer(s.opts.Deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.out, res.err
	case <-timer.C:
		s.logger.Warn("chat pipeline exceeded request deadline", "deadline", s.opts.Deadline)
		return ChatOutput{}, newError(ErrorTimeout, "deadline_exceeded",
			fmt.Errorf("timeout after %s: the shared course context is still warming up", s.opts.Deadline))
	case <-ctx.Done():
		return ChatOutput{}, newError(ErrorTimeout, "request_cancelled", ctx.Err())
	}
}

func (s *ChatService) generate(ctx context.Context, history []domain.Message, input string) (ChatOutput, error) {
	course, err := s.ensureCourseContext(ctx)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	res := s.cache.Resolve(ctx, s.opts.Scope, func(ctx context.Context) (domain.CacheHandle, error) {
		return s.gen.CreateCachedContext(ctx, course.cachePayload(), s.opts.CacheTTL)
	})

	var (
		text   string
		genErr error
	)
	if res.Fallback() {
		text, genErr = s.gen.InvokeFull(ctx, course.fullContext(), history, input)
	} else {
		text, genErr = s.gen.InvokeCached(ctx, res.Handle, history, input)
	}
	if genErr != nil {
		return ChatOutput{}, newError(ErrorGeneration, "generation_error", genErr)
	}

	s.logger.Info("chat answered",
		"cache_outcome", res.Outcome.String(),
		"history_len", len(history),
	)
	return ChatOutput{Text: text, Cached: !res.Fallback()}, nil
}

func (s *ChatService) ensureCourseContext(ctx context.Context) (courseContext, error) {
	s.courseMu.RLock()
	if s.courseLoaded {
		course := s.course
		s.courseMu.RUnlock()
		return course, nil
	}
	s.courseMu.RUnlock()

	s.courseMu.Lock()
	defer s.courseMu.Unlock()
	if s.courseLoaded {
		return s.course, nil
	}

	instruction, err := s.params.GetParameter(ctx, s.opts.ParamPrefix+"/system_instruction")
	if err != nil {
		return courseContext{}, fmt.Errorf("usecase: load system instruction: %w", err)
	}
	content, err := s.params.GetParameter(ctx, s.opts.ParamPrefix+"/course_content")
	if err != nil {
		return courseContext{}, fmt.Errorf("usecase: load course content: %w", err)
	}

	s.course = courseContext{instruction: instruction, content: content}
	s.courseLoaded = true
	return s.course, nil
}
