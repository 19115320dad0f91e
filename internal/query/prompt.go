package query

import (
	"fmt"
	"strings"

	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// Refusal is the fixed answer when the context does not support an answer.
const Refusal = "Insufficient context in the provided documents."

// SystemPrompt constrains the model to the supplied context.
var SystemPrompt = strings.Join([]string{
	"You are a strict grounded assistant.",
	"Rules:",
	"1) Use only the provided context blocks.",
	"2) Do not use outside knowledge.",
	"3) Every factual claim must include citations in format [p<page>|chunk:<chunk_id>].",
	"4) If the context does not support the answer, output exactly: " + Refusal,
	"5) Never fabricate citations.",
}, "\n")

// BuildUserPrompt renders the question and one block per retrieved chunk.
func BuildUserPrompt(question string, chunks []storage.RetrievedChunk) string {
	var sb strings.Builder

	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nContext:\n\n")

	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Context %d\npage: %d\nchunk_id: %s\nchunk_excerpt: %s", i+1, c.PageNumber, c.ChunkID, c.Content)
	}

	sb.WriteString("\n\nAnswer using only the context above. ")
	sb.WriteString("Attach citations for all claims with [p<page>|chunk:<chunk_id>].")
	return sb.String()
}
