package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/embedder"
	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/llm"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

type fakeDocs struct {
	docs map[uuid.UUID]storage.Document
}

func (f *fakeDocs) GetMany(_ context.Context, ws uuid.UUID, ids []uuid.UUID) ([]storage.Document, error) {
	var out []storage.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok && d.WorkspaceID == ws {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeVectors struct {
	chunks []storage.RetrievedChunk
	err    error
	calls  int
}

func (f *fakeVectors) TopK(_ context.Context, _ uuid.UUID, _ []float32, _ []uuid.UUID, k int) ([]storage.RetrievedChunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks[:min(k, len(f.chunks))], nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []storage.QueryLog
	err     error
}

func (f *fakeLogs) Insert(_ context.Context, l *storage.QueryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	l.ID = uuid.New()
	f.entries = append(f.entries, *l)
	return nil
}

type fixture struct {
	ws       uuid.UUID
	docs     *fakeDocs
	vectors  *fakeVectors
	embedder *embedder.MockEmbedder
	llm      *llm.MockProvider
	ledger   *budget.Ledger
	logs     *fakeLogs
	engine   *Engine
}

func newFixture(limit int64) *fixture {
	f := &fixture{
		ws:       uuid.New(),
		docs:     &fakeDocs{docs: make(map[uuid.UUID]storage.Document)},
		vectors:  &fakeVectors{},
		embedder: embedder.NewMockEmbedder(8),
		llm:      llm.NewMockProvider("", 0, 0),
		ledger:   budget.NewLedger(budget.NewMemoryStore(nil), limit, budget.WithLogger(logger.Nop().Logger)),
		logs:     &fakeLogs{},
	}
	f.engine = NewEngine(Deps{
		Documents: f.docs,
		Vectors:   f.vectors,
		Embedder:  f.embedder,
		LLM:       f.llm,
		Ledger:    f.ledger,
		Logs:      f.logs,
	}, DefaultConfig(), logger.Nop().Logger)
	return f
}

func (f *fixture) addDoc(status storage.DocumentStatus, pages int) uuid.UUID {
	d := storage.Document{ID: uuid.New(), WorkspaceID: f.ws, Status: status, PageCount: &pages}
	f.docs.docs[d.ID] = d
	return d.ID
}

func (f *fixture) usage(t *testing.T) budget.Status {
	t.Helper()
	st, err := f.ledger.Status(context.Background(), f.ws)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

func (f *fixture) respond(text string, in, out int) {
	f.llm.Respond = func(llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Text: text, InputTokens: in, OutputTokens: out}, nil
	}
}

// The question "what is the fee" costs four tokens under the mock embedder.
const question = "what is the fee"

func TestRunAnswersWithCitations(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 3)
	hit := storage.RetrievedChunk{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 2, Content: "The fee is  5%\nper year.", Similarity: 0.91}
	f.vectors.chunks = []storage.RetrievedChunk{hit}
	f.respond(fmt.Sprintf("The fee is 5%% [p2|chunk:%s]. Also [p9|chunk:%s].", hit.ChunkID, uuid.New()), 100, 20)

	res, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: "  " + question + " ", DocumentIDs: []uuid.UUID{doc}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.Citations) != 1 || res.Citations[0].ChunkID != hit.ChunkID {
		t.Fatalf("unexpected citations %+v", res.Citations)
	}
	if res.Citations[0].Snippet != "The fee is 5% per year." || res.Citations[0].Score != 0.91 {
		t.Errorf("unexpected citation %+v", res.Citations[0])
	}
	if res.Usage.Used != 124 || res.Usage.Reserved != 0 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
	if res.QueryLogID == nil || len(f.logs.entries) != 1 {
		t.Fatal("expected query log")
	}

	entry := f.logs.entries[0]
	if entry.Question != question || entry.TotalTokens != 124 || entry.EmbeddingTokens != 4 {
		t.Errorf("unexpected log entry %+v", entry)
	}
	if entry.AnswerText == nil || entry.ErrorCode != nil {
		t.Errorf("expected answer without error in log")
	}

	reqs := f.llm.Requests()
	if len(reqs) != 1 || !strings.Contains(reqs[0].UserPrompt, hit.ChunkID.String()) || reqs[0].SystemPrompt != SystemPrompt {
		t.Errorf("unexpected prompt %+v", reqs)
	}
}

func TestRunWithoutChunksRefusesWithoutLLM(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)

	res, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Answer != Refusal || len(res.Citations) != 0 {
		t.Fatalf("expected refusal, got %+v", res)
	}
	if len(f.llm.Requests()) != 0 {
		t.Error("LLM must not be called without context")
	}
	if st := f.usage(t); st.Used != 4 || st.Reserved != 0 {
		t.Errorf("expected only embedding charged, got %+v", st)
	}
}

func TestRunBudgetExceededChargesEmbedding(t *testing.T) {
	f := newFixture(100)
	doc := f.addDoc(storage.StatusReady, 1)

	_, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}})
	var be *errs.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if be.Requested != f.engine.Estimate(4) {
		t.Errorf("expected request of %d, got %d", f.engine.Estimate(4), be.Requested)
	}
	if st := f.usage(t); st.Used != 4 || st.Reserved != 0 {
		t.Errorf("unexpected usage %+v", st)
	}
	if f.vectors.calls != 0 || len(f.llm.Requests()) != 0 {
		t.Error("expected no search and no completion")
	}
	if len(f.logs.entries) != 1 || *f.logs.entries[0].ErrorCode != errs.CodeBudgetExceeded {
		t.Errorf("expected budget failure logged, got %+v", f.logs.entries)
	}
}

func TestRunValidation(t *testing.T) {
	f := newFixture(10000)
	ready := f.addDoc(storage.StatusReady, 5)
	indexing := f.addDoc(storage.StatusIndexing, 5)
	big := f.addDoc(storage.StatusReady, 48)

	many := make([]uuid.UUID, 11)
	for i := range many {
		many[i] = uuid.New()
	}

	tests := []struct {
		name     string
		question string
		docs     []uuid.UUID
		code     string
		notFound bool
	}{
		{"empty question", "   ", []uuid.UUID{ready}, errs.CodeInvalidQuestion, false},
		{"long question", strings.Repeat("q", 501), []uuid.UUID{ready}, errs.CodeInvalidQuestion, false},
		{"no documents", question, nil, errs.CodeInvalidDocuments, false},
		{"too many documents", question, many, errs.CodeTooManyDocuments, false},
		{"duplicate documents", question, []uuid.UUID{ready, ready}, errs.CodeInvalidDocuments, false},
		{"not ready", question, []uuid.UUID{ready, indexing}, errs.CodeDocumentNotReady, false},
		{"page limit", question, []uuid.UUID{ready, big}, errs.CodePageLimitExceeded, false},
		{"unknown document", question, []uuid.UUID{uuid.New()}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: tt.question, DocumentIDs: tt.docs})
			if tt.notFound {
				if !errors.Is(err, errs.ErrNotFound) {
					t.Fatalf("expected not found, got %v", err)
				}
				return
			}
			if got := errs.Code(err); got != tt.code {
				t.Fatalf("expected %s, got %q (%v)", tt.code, got, err)
			}
		})
	}

	if calls, _ := f.embedder.Calls(); calls != 0 {
		t.Errorf("expected no embedding for invalid requests, got %d", calls)
	}
}

func TestRunDocumentOfOtherWorkspaceIsNotFound(t *testing.T) {
	f := newFixture(10000)
	other := storage.Document{ID: uuid.New(), WorkspaceID: uuid.New(), Status: storage.StatusReady}
	f.docs.docs[other.ID] = other

	_, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{other.ID}})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunLLMFailureSettlesReservation(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)
	f.vectors.chunks = []storage.RetrievedChunk{{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 1, Content: "x"}}
	f.llm.Respond = func(llm.CompletionRequest) (*llm.Completion, error) {
		return nil, errors.New("model overloaded")
	}

	if _, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}}); err == nil {
		t.Fatal("expected error")
	}
	if st := f.usage(t); st.Reserved != 0 || st.Used != 4 {
		t.Errorf("expected reservation settled with embedding spend, got %+v", st)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].ErrorMessage == nil {
		t.Error("expected failure logged")
	}
}

func TestRunCancelledCallerStillSettles(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)
	f.vectors.chunks = []storage.RetrievedChunk{{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 1, Content: "x"}}

	ctx, cancel := context.WithCancel(context.Background())
	f.llm.Respond = func(llm.CompletionRequest) (*llm.Completion, error) {
		cancel()
		return &llm.Completion{Text: "answer [p1]", InputTokens: 10, OutputTokens: 5}, nil
	}

	if _, err := f.engine.Run(ctx, Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := f.usage(t); st.Reserved != 0 || st.Used != 19 {
		t.Errorf("expected settlement despite cancellation, got %+v", st)
	}
}

func TestRunEmptyAnswerBecomesRefusal(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)
	f.vectors.chunks = []storage.RetrievedChunk{{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 1, Content: "x"}}
	f.respond("  ", 10, 0)

	res, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Answer != Refusal || len(res.Citations) != 0 {
		t.Errorf("expected refusal, got %+v", res)
	}
}

func TestRunLogFailureDoesNotFailQuery(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)
	f.logs.err = errors.New("db down")

	res, err := f.engine.Run(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.QueryLogID != nil {
		t.Error("expected no log id")
	}
}

func TestRunStreamDeliversAnswerIncrementally(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 3)
	hit := storage.RetrievedChunk{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 2, Content: "The fee is 5%.", Similarity: 0.8}
	f.vectors.chunks = []storage.RetrievedChunk{hit}
	answer := fmt.Sprintf("The fee is 5%% [p2|chunk:%s].", hit.ChunkID)
	f.respond(answer, 100, 20)

	var deltas []string
	res, err := f.engine.RunStream(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("run stream: %v", err)
	}
	if len(deltas) < 2 || strings.Join(deltas, "") != answer {
		t.Fatalf("unexpected deltas %q", deltas)
	}
	if res.Answer != answer || len(res.Citations) != 1 || res.Citations[0].ChunkID != hit.ChunkID {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Usage.Used != 124 || res.Usage.Reserved != 0 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
}

func TestRunStreamWithoutChunksSendsRefusal(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)

	var deltas []string
	res, err := f.engine.RunStream(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("run stream: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != Refusal || res.Answer != Refusal {
		t.Errorf("expected one refusal fragment, got %q", deltas)
	}
	if st := f.usage(t); st.Used != 4 || st.Reserved != 0 {
		t.Errorf("expected only embedding charged, got %+v", st)
	}
}

func TestRunStreamReceiverGoneStillSettles(t *testing.T) {
	f := newFixture(10000)
	doc := f.addDoc(storage.StatusReady, 1)
	f.vectors.chunks = []storage.RetrievedChunk{{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 1, Content: "x"}}
	f.respond("a long answer that keeps going", 10, 5)

	gone := errors.New("write: broken pipe")
	calls := 0
	_, err := f.engine.RunStream(context.Background(), Request{WorkspaceID: f.ws, Question: question, DocumentIDs: []uuid.UUID{doc}}, func(string) error {
		calls++
		if calls == 2 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected receiver error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected generation to stop at the failed write, got %d fragments", calls)
	}
	if st := f.usage(t); st.Reserved != 0 || st.Used != 19 {
		t.Errorf("expected reservation settled with billed tokens, got %+v", st)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].ErrorMessage == nil {
		t.Error("expected aborted stream logged")
	}
}
