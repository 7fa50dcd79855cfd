package completion

import (
	"context"

	"github.com/yanqian/ragserver/internal/domain/chat"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// UnavailableProvider stands in when no completion backend is configured.
type UnavailableProvider struct{}

// NewUnavailableProvider constructs the stub.
func NewUnavailableProvider() *UnavailableProvider {
	return &UnavailableProvider{}
}

// Stream always fails with Unavailable.
func (p *UnavailableProvider) Stream(context.Context, chat.CompletionRequest) (<-chan chat.CompletionEvent, error) {
	return nil, apperrors.New(apperrors.KindUnavailable, "provider_unconfigured", "no completion provider is configured")
}

var _ chat.CompletionProvider = (*UnavailableProvider)(nil)
