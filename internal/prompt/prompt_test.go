package prompt_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/prompt"
)

func kinds(blocks []prompt.Block) []prompt.BlockKind {
	out := make([]prompt.BlockKind, len(blocks))
	for i, b := range blocks {
		out[i] = b.Kind
	}
	return out
}

var _ = Describe("Assemble", func() {
	It("orders blocks by the contract and drops empty ones", func() {
		a := prompt.Assemble([]prompt.Block{
			{Kind: prompt.BlockTaskInstruction, Content: "Reply to the comment."},
			{Kind: prompt.BlockMemoryThread, Content: "   "},
			{Kind: prompt.BlockSystem, Content: "You are a forum member."},
			{Kind: prompt.BlockMemoryGlobal, Content: "The board is about Go."},
			{Kind: prompt.BlockPersonaSoul, Content: "Curious, terse."},
			{Kind: "unknown", Content: "ignored"},
		}, 0)

		Expect(kinds(a.Blocks)).To(Equal([]prompt.BlockKind{
			prompt.BlockSystem, prompt.BlockPersonaSoul, prompt.BlockMemoryGlobal, prompt.BlockTaskInstruction,
		}))
		Expect(a.System).To(Equal("You are a forum member."))
		Expect(a.User).To(HavePrefix("## Persona\nCurious, terse."))
		Expect(strings.Index(a.User, "## Task")).To(BeNumerically(">", strings.Index(a.User, "## Community memory")))
		Expect(a.Trims).To(BeEmpty())
	})

	It("trims thread memory before persona and global memory", func() {
		blocks := []prompt.Block{
			{Kind: prompt.BlockSystem, Content: "sys"},
			{Kind: prompt.BlockMemoryGlobal, Content: strings.Repeat("g", 100)},
			{Kind: prompt.BlockMemoryPersona, Content: strings.Repeat("p", 100)},
			{Kind: prompt.BlockMemoryThread, Content: strings.Repeat("t", 100)},
			{Kind: prompt.BlockTaskInstruction, Content: "do it"},
		}
		full := prompt.Assemble(blocks, 0).Len()

		a := prompt.Assemble(blocks, full-40)
		Expect(a.Len()).To(BeNumerically("<=", full-40))
		Expect(a.Trims).To(HaveLen(1))
		Expect(a.Trims[0].Block).To(Equal(prompt.BlockMemoryThread))
		Expect(a.User).To(ContainSubstring(strings.Repeat("p", 100)))
		Expect(a.User).To(ContainSubstring("…"))
	})

	It("drops whole memory blocks when needed and never cuts other blocks", func() {
		blocks := []prompt.Block{
			{Kind: prompt.BlockSystem, Content: "sys"},
			{Kind: prompt.BlockMemoryGlobal, Content: strings.Repeat("g", 50)},
			{Kind: prompt.BlockMemoryPersona, Content: strings.Repeat("p", 50)},
			{Kind: prompt.BlockMemoryThread, Content: strings.Repeat("t", 50)},
			{Kind: prompt.BlockTaskInstruction, Content: strings.Repeat("i", 80)},
		}

		a := prompt.Assemble(blocks, 10)
		Expect(kinds(a.Blocks)).To(Equal([]prompt.BlockKind{prompt.BlockSystem, prompt.BlockTaskInstruction}))
		Expect(a.Trims).To(HaveLen(3))
		Expect(a.Trims[0]).To(Equal(prompt.Trim{Block: prompt.BlockMemoryThread, RemovedChars: 50}))
		Expect(a.User).To(ContainSubstring(strings.Repeat("i", 80)))
	})

	It("records trim events", func() {
		rec := events.NewRecorder()
		a := prompt.Assemble([]prompt.Block{
			{Kind: prompt.BlockMemoryThread, Content: strings.Repeat("t", 200)},
			{Kind: prompt.BlockTaskInstruction, Content: "reply"},
		}, 60)
		taskID := int64(5)
		prompt.RecordTrims(context.Background(), rec, a, &taskID)

		evs := rec.OfKind(events.KindPromptTrim)
		Expect(evs).To(HaveLen(1))
		e := evs[0].(events.PromptTrimEvent)
		Expect(e.Block).To(Equal("memory_thread"))
		Expect(e.Budget).To(Equal(60))
		Expect(*e.TaskID).To(BeEquivalentTo(5))
	})
})
