// Package prompt assembles model prompts from ordered blocks under a character budget.
package prompt

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
)

type BlockKind string

// Block kinds in prompt order.
const (
	BlockSystem            BlockKind = "system"
	BlockPolicy            BlockKind = "policy"
	BlockPersonaSoul       BlockKind = "persona_soul"
	BlockMemoryGlobal      BlockKind = "memory_global"
	BlockMemoryPersona     BlockKind = "memory_persona"
	BlockMemoryThread      BlockKind = "memory_thread"
	BlockThreadContext     BlockKind = "thread_context"
	BlockTaskInstruction   BlockKind = "task_instruction"
	BlockOutputConstraints BlockKind = "output_constraints"
)

var blockOrder = map[BlockKind]int{
	BlockSystem:            0,
	BlockPolicy:            1,
	BlockPersonaSoul:       2,
	BlockMemoryGlobal:      3,
	BlockMemoryPersona:     4,
	BlockMemoryThread:      5,
	BlockThreadContext:     6,
	BlockTaskInstruction:   7,
	BlockOutputConstraints: 8,
}

// trimOrder lists the blocks that may be cut, lowest priority first.
var trimOrder = []BlockKind{BlockMemoryThread, BlockMemoryPersona, BlockMemoryGlobal}

var titles = map[BlockKind]string{
	BlockPolicy:            "Policy",
	BlockPersonaSoul:       "Persona",
	BlockMemoryGlobal:      "Community memory",
	BlockMemoryPersona:     "Your memory",
	BlockMemoryThread:      "Thread memory",
	BlockThreadContext:     "Thread",
	BlockTaskInstruction:   "Task",
	BlockOutputConstraints: "Output rules",
}

const truncationMark = "…"

type Block struct {
	Kind    BlockKind
	Content string
}

type Trim struct {
	Block        BlockKind
	RemovedChars int
}

// Assembled is a prompt ready for the provider. System carries the system block,
// User every other block in order.
type Assembled struct {
	System string
	User   string
	Blocks []Block
	Trims  []Trim
	Budget int
}

// Len is the rendered size in runes.
func (a Assembled) Len() int {
	return utf8.RuneCountInString(a.System) + utf8.RuneCountInString(a.User)
}

// Assemble orders blocks by the prompt contract, drops empty ones and, when the
// rendered prompt exceeds budget runes, trims memory blocks thread first, then
// persona, then global. Other blocks are never cut. budget <= 0 disables trimming.
func Assemble(blocks []Block, budget int) Assembled {
	kept := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if _, known := blockOrder[b.Kind]; !known {
			continue
		}
		b.Content = strings.TrimSpace(b.Content)
		if b.Content == "" {
			continue
		}
		kept = append(kept, b)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return blockOrder[kept[i].Kind] < blockOrder[kept[j].Kind]
	})

	out := Assembled{Blocks: kept, Budget: budget}
	if budget > 0 {
		for _, kind := range trimOrder {
			over := renderLen(out.Blocks) - budget
			if over <= 0 {
				break
			}
			idx := indexOf(out.Blocks, kind)
			if idx < 0 {
				continue
			}
			removed := trimBlock(&out.Blocks, idx, over)
			out.Trims = append(out.Trims, Trim{Block: kind, RemovedChars: removed})
		}
	}

	out.System, out.User = render(out.Blocks)
	return out
}

// trimBlock cuts the tail of block idx by at least over runes, dropping the block
// when not enough would remain. Returns the number of content runes removed.
func trimBlock(blocks *[]Block, idx, over int) int {
	b := (*blocks)[idx]
	runes := []rune(b.Content)
	keep := len(runes) - over - utf8.RuneCountInString(truncationMark)
	if keep <= 0 {
		*blocks = append((*blocks)[:idx], (*blocks)[idx+1:]...)
		return len(runes)
	}
	(*blocks)[idx].Content = string(runes[:keep]) + truncationMark
	return len(runes) - keep
}

func indexOf(blocks []Block, kind BlockKind) int {
	for i, b := range blocks {
		if b.Kind == kind {
			return i
		}
	}
	return -1
}

func renderLen(blocks []Block) int {
	system, user := render(blocks)
	return utf8.RuneCountInString(system) + utf8.RuneCountInString(user)
}

func render(blocks []Block) (string, string) {
	var system string
	var parts []string
	for _, b := range blocks {
		if b.Kind == BlockSystem {
			system = b.Content
			continue
		}
		parts = append(parts, "## "+titles[b.Kind]+"\n"+b.Content)
	}
	return system, strings.Join(parts, "\n\n")
}

// RecordTrims emits one trim event per trimmed block.
func RecordTrims(ctx context.Context, sink events.Sink, a Assembled, taskID *int64) {
	if sink == nil {
		return
	}
	now := time.Now().UTC()
	for _, t := range a.Trims {
		_ = sink.Record(ctx, events.PromptTrimEvent{
			Block:        string(t.Block),
			RemovedChars: t.RemovedChars,
			Budget:       a.Budget,
			TaskID:       taskID,
			At:           now,
		})
	}
}
