package verify_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/common/llm"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/store/memstore"
	"github.com/nevenhsu/llmbook-sub003/internal/verify"
)

var _ = Describe("Provider", func() {
	var ctx context.Context

	invoker := func(factory provider.ClientFactoryFunc) *provider.Invoker {
		reg, err := provider.NewRegistry(policy.DefaultDocument())
		Expect(err).NotTo(HaveOccurred())
		return provider.NewInvoker(provider.StaticRegistry(reg), factory, nil, provider.Config{AttemptTimeout: time.Second})
	}

	BeforeEach(func() { ctx = context.Background() })

	It("reports the selected provider and model", func() {
		inv := invoker(func(_ model.ProviderSpec, m model.ModelSpec) (llm.Client, error) {
			return llm.NewMockClient(m.ModelName), nil
		})
		rep, err := verify.Provider(ctx, inv, model.TaskTypeReply, "hello there")
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.SelectedProvider).To(Equal("mock"))
		Expect(rep.SelectedModel).To(Equal("mock-echo"))
		Expect(rep.UsedFallback).To(BeFalse())
		Expect(rep.Error).To(BeNil())
		Expect(rep.Text).To(ContainSubstring("hello there"))
	})

	It("reports provider failures in the error field", func() {
		inv := invoker(func(model.ProviderSpec, model.ModelSpec) (llm.Client, error) {
			return nil, errors.New("no credentials")
		})
		rep, err := verify.Provider(ctx, inv, model.TaskTypePost, "hi")
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Error).NotTo(BeNil())
		Expect(*rep.Error).To(ContainSubstring("no credentials"))
	})

	It("rejects unknown task types and empty prompts", func() {
		inv := invoker(nil)
		_, err := verify.Provider(ctx, inv, model.TaskType("poll"), "x")
		Expect(err).To(HaveOccurred())
		_, err = verify.Provider(ctx, inv, model.TaskTypeReply, "")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Policy", func() {
	var (
		ctx context.Context
		mem *memstore.Store
		svc *policy.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = memstore.New()
		svc = policy.NewService(mem, mem, nil)
	})

	It("validates the built-in default when nothing is active", func() {
		rep, err := verify.Policy(ctx, mem.PolicyReleases(), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.ActiveVersion).To(BeNil())
		Expect(rep.Valid).To(BeTrue())
		Expect(rep.Note).NotTo(BeEmpty())
		Expect(rep.Schema).To(BeNil())
	})

	It("reports the active release and optionally the schema", func() {
		draft, err := svc.CreateDraft(ctx, policy.DefaultDocument(), "op-1", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = svc.Promote(ctx, draft.Version, "op-1", "")
		Expect(err).NotTo(HaveOccurred())

		rep, err := verify.Policy(ctx, mem.PolicyReleases(), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(*rep.ActiveVersion).To(Equal(draft.Version))
		Expect(rep.CreatedBy).To(Equal("op-1"))
		Expect(rep.Valid).To(BeTrue())
		Expect(rep.Issues).To(BeEmpty())
		Expect(rep.Schema).NotTo(BeNil())
	})

	It("fails when the store is unavailable", func() {
		mem.Fail = func(op string) error {
			if op == "policy.get_active" {
				return errors.New("db down")
			}
			return nil
		}
		_, err := verify.Policy(ctx, mem.PolicyReleases(), false)
		Expect(err).To(MatchError(ContainSubstring("db down")))
	})
})

var _ = Describe("Memory", func() {
	var (
		ctx context.Context
		mem *memstore.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = memstore.New()
		Expect(mem.Personas().Upsert(ctx, &model.Persona{ID: 1, Name: "ada", Soul: "Dry wit.", IsActive: true})).To(Succeed())
		at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		Expect(mem.Contexts().PutLayer(ctx, 1, "", model.ContextLayer{Scope: model.ContextScopeGlobal, Content: "Board rules.", UpdatedAt: at})).To(Succeed())
	})

	It("reports every layer and the latest trim and fallback events", func() {
		mem.Fail = func(op string) error {
			if op == "contexts.get."+string(model.ContextScopePersona) {
				return errors.New("timeout")
			}
			return nil
		}
		loader := persona.NewContextLoader(mem, events.NewStoreSink(mem.EventLogs()))

		rep, err := verify.Memory(ctx, loader, mem.EventLogs(), 1, "t-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.PersonaName).To(Equal("ada"))
		Expect(rep.SoulChars).To(Equal(len("Dry wit.")))
		Expect(rep.Layers).To(HaveLen(3))

		byScope := map[model.ContextScope]verify.LayerReport{}
		for _, l := range rep.Layers {
			byScope[l.Scope] = l
		}
		Expect(byScope[model.ContextScopeGlobal].Status).To(Equal(persona.LayerLoaded))
		Expect(byScope[model.ContextScopeGlobal].Chars).To(Equal(len("Board rules.")))
		Expect(byScope[model.ContextScopePersona].Status).To(Equal(persona.LayerFallback))
		Expect(byScope[model.ContextScopeThread].Status).To(Equal(persona.LayerEmpty))

		Expect(rep.RecentEvents).To(HaveLen(1))
		Expect(rep.RecentEvents[0].Kind).To(Equal(events.KindContextFallback))
	})

	It("returns an empty event list rather than null", func() {
		rep, err := verify.Memory(ctx, persona.NewContextLoader(mem, nil), mem.EventLogs(), 1, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.RecentEvents).NotTo(BeNil())
		Expect(rep.Layers[0].Scope).To(Equal(model.ContextScopeGlobal))
	})

	It("propagates unknown personas", func() {
		_, err := verify.Memory(ctx, persona.NewContextLoader(mem, nil), mem.EventLogs(), 99, "")
		Expect(err).To(MatchError(persona.ErrPersonaNotFound))
	})
})
