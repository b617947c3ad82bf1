package dispatcher_test

import (
	"context"

	"github.com/nevenhsu/llmbook-sub003/internal/policy"
)

type mockPolicySource struct {
	getFn  func(ctx context.Context, scope policy.Scope) policy.Resolved
	scopes []policy.Scope
}

func (m *mockPolicySource) Get(ctx context.Context, scope policy.Scope) policy.Resolved {
	m.scopes = append(m.scopes, scope)
	if m.getFn != nil {
		return m.getFn(ctx, scope)
	}
	doc := policy.DefaultDocument()
	return policy.Resolved{Scope: scope, Version: 1, Document: doc, Dispatcher: doc.GlobalPolicyDraft.Dispatcher}
}

func strPtr(s string) *string { return &s }
func int64Ptr(i int64) *int64 { return &i }
