// internal/services/fake_provider_test.go
package services

import (
	"context"
	"sync"

	"github.com/darksider-9/ThesisForge-AI/internal/llm"
)

// fakeProvider 测试用提供者：按调用序号返回预设响应
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	respond func(call int, req llm.CompletionRequest) (string, error)
}

func (p *fakeProvider) Initialize(config map[string]string) error { return nil }

func (p *fakeProvider) GetName() string { return "fake" }

func (p *fakeProvider) GetSupportedModels() []string { return []string{"fake-model"} }

func (p *fakeProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()

	text, err := p.respond(call, req)
	if err != nil {
		return nil, err
	}

	return &llm.CompletionResponse{
		Text:         text,
		ModelName:    "fake-model",
		ProviderName: "fake",
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newFakeLLM(respond func(call int, req llm.CompletionRequest) (string, error)) (*LLMService, *fakeProvider) {
	provider := &fakeProvider{respond: respond}
	return NewLLMServiceWithProvider(provider, "fake"), provider
}
