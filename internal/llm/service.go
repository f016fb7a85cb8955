package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"apologize/internal/config"
	"apologize/internal/models"
)

// Request is one exchange: the user's message, the requested apology
// style and the trailing conversation history for context.
type Request struct {
	Message string
	Style   Style
	History []models.Message
}

// Response is what the provider produced.
type Response struct {
	Reply      string
	Emotion    string
	Style      Style
	TokensUsed int
}

// Service is a pass-through adapter from chat requests to a configured
// LLM provider. Callers treat failures as opaque upstream errors.
type Service struct {
	providers map[string]config.ProviderConfig
	fallback  string

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewService builds the adapter from provider configuration.
func NewService(cfg *config.Config) (*Service, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	fallback := cfg.BasicConfig.DefaultProvider
	if fallback == "" {
		for name := range cfg.Providers {
			fallback = name
			break
		}
	}
	if _, ok := cfg.Providers[fallback]; !ok {
		return nil, fmt.Errorf("default provider %q not configured", fallback)
	}
	return &Service{
		providers: cfg.Providers,
		fallback:  fallback,
		models:    make(map[string]model.BaseChatModel),
	}, nil
}

// Generate runs one exchange against the default provider.
func (s *Service) Generate(ctx context.Context, req Request) (*Response, error) {
	style := req.Style
	if !style.Valid() {
		style = StyleGentle
	}

	chatModel, err := s.chatModel(ctx, s.fallback)
	if err != nil {
		return nil, err
	}

	resp, err := chatModel.Generate(ctx, buildMessages(style, req.History, req.Message))
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	tokens := 0
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		tokens = resp.ResponseMeta.Usage.TotalTokens
	}
	log.WithFields(log.Fields{
		"provider": s.fallback,
		"style":    style,
		"tokens":   tokens,
	}).Debug("llm response received")

	return &Response{
		Reply:      resp.Content,
		Emotion:    classifyEmotion(resp.Content),
		Style:      style,
		TokensUsed: tokens,
	}, nil
}

func (s *Service) chatModel(ctx context.Context, provider string) (model.BaseChatModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[provider]; ok {
		return m, nil
	}

	provCfg, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			break
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}

	s.models[provider] = chatModel
	return chatModel, nil
}

func buildMessages(style Style, history []models.Message, userMessage string) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+2)
	out = append(out, &schema.Message{Role: schema.System, Content: style.SystemPrompt()})
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			out = append(out, &schema.Message{Role: schema.User, Content: m.Content})
		case models.RoleAssistant:
			out = append(out, &schema.Message{Role: schema.Assistant, Content: m.Content})
		}
	}
	out = append(out, &schema.Message{Role: schema.User, Content: userMessage})
	return out
}
