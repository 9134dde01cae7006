package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"course-tutor/internal/domain"
)

const (
	DefaultCacheModel = "models/gemini-1.5-flash-001"
	DefaultChatModel  = "models/gemini-2.5-flash"
)

const (
	ModeCached = "cached"
	ModeFull   = "full-context"
)

// modelsAPI is the subset of *genai.Models used by Client.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// cachesAPI is the subset of *genai.Caches used by Client.
type cachesAPI interface {
	Create(ctx context.Context, model string, config *genai.CreateCachedContentConfig) (*genai.CachedContent, error)
}

// GenerationError wraps a backend failure. The backend message is kept as is.
type GenerationError struct {
	Mode string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("gemini: %s generation failed: %v", e.Mode, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Client creates shared cached contexts and generates replies against them,
// or against a full context when no cache is available.
type Client struct {
	models      modelsAPI
	caches      cachesAPI
	cacheModel  string
	chatModel   string
	displayName string
	now         func() time.Time
}

type Option func(*Client)

// WithCacheModel sets the model used to create and query cached contexts. A
// cached context can only be queried with the model it was created for.
func WithCacheModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.cacheModel = m
		}
	}
}

func WithChatModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.chatModel = m
		}
	}
}

// WithScope names created caches after the course scope.
func WithScope(scope string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(scope); s != "" {
			c.displayName = "cache_" + s
		}
	}
}

// New creates a Client talking to the Gemini API with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(gc.Models, gc.Caches, opts...)
}

func newClient(models modelsAPI, caches cachesAPI, opts ...Option) (*Client, error) {
	if models == nil || caches == nil {
		return nil, errors.New("gemini: models and caches must not be nil")
	}
	c := &Client{
		models:      models,
		caches:      caches,
		cacheModel:  DefaultCacheModel,
		chatModel:   DefaultChatModel,
		displayName: "cache_default",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateCachedContext materializes payload as a cached context living for ttl.
func (c *Client) CreateCachedContext(ctx context.Context, payload string, ttl time.Duration) (domain.CacheHandle, error) {
	if strings.TrimSpace(payload) == "" {
		return domain.CacheHandle{}, errors.New("gemini: cache payload must not be empty")
	}
	cc, err := c.caches.Create(ctx, c.cacheModel, &genai.CreateCachedContentConfig{
		DisplayName: c.displayName,
		TTL:         ttl,
		Contents: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: payload}},
		}},
	})
	if err != nil {
		return domain.CacheHandle{}, fmt.Errorf("gemini: create cached content: %w", err)
	}
	if cc == nil || cc.Name == "" {
		return domain.CacheHandle{}, errors.New("gemini: cached content has no name")
	}

	expiresAt := cc.ExpireTime
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(ttl)
	}
	return domain.CacheHandle{ID: cc.Name, ExpiresAtMs: expiresAt.UnixMilli()}, nil
}

// InvokeCached generates a reply using the shared cached context.
func (c *Client) InvokeCached(ctx context.Context, handle domain.CacheHandle, history []domain.Message, input string) (string, error) {
	if handle.ID == "" {
		return "", &GenerationError{Mode: ModeCached, Err: errors.New("missing cache handle")}
	}
	return c.generate(ctx, ModeCached, c.cacheModel, history, input, &genai.GenerateContentConfig{
		CachedContent: handle.ID,
	})
}

// InvokeFull generates a reply sending systemContext inline with this call.
func (c *Client) InvokeFull(ctx context.Context, systemContext string, history []domain.Message, input string) (string, error) {
	return c.generate(ctx, ModeFull, c.chatModel, history, input, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemContext}}},
	})
}

func (c *Client) generate(ctx context.Context, mode, model string, history []domain.Message, input string, cfg *genai.GenerateContentConfig) (string, error) {
	result, err := c.models.GenerateContent(ctx, model, toContents(history, input), cfg)
	if err != nil {
		return "", &GenerationError{Mode: mode, Err: err}
	}
	text, err := responseText(result)
	if err != nil {
		return "", &GenerationError{Mode: mode, Err: err}
	}
	return text, nil
}

func toContents(history []domain.Message, input string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.RoleUser
		if m.Role == domain.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}
	return append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: input}},
	})
}

func responseText(result *genai.GenerateContentResponse) (string, error) {
	if result == nil || len(result.Candidates) == 0 {
		return "", errors.New("no response candidates")
	}
	candidate := result.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return "", errors.New("empty response candidate")
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}
