package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/observability/alerting"
	"PathProof-Chain/internal/pathvalidator"
)

type fakeValidator struct {
	calls atomic.Int32
	fn    func(req pathvalidator.Request) (pathvalidator.Outcome, error)
}

func (f *fakeValidator) Validate(_ context.Context, req pathvalidator.Request) (pathvalidator.Outcome, error) {
	f.calls.Add(1)
	return f.fn(req)
}

func (f *fakeValidator) Config() pathvalidator.Config {
	return pathvalidator.DefaultConfig()
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

func submitOne(t *testing.T, store Store, maxRetries int) *Job {
	t.Helper()
	j := newJob(fmt.Sprintf("job-%d", time.Now().UnixNano()), payerA)
	j.MaxRetries = maxRetries
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return j
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 200
	cfg := pathvalidator.DefaultConfig()
	book := ledger.NewMemoryLedger()
	if err := book.Seed(ctx, payerA, cfg.Fee*total); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	validator, err := pathvalidator.New(book, cfg)
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(validator, store, queue, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	slow := []byte{0, 0, 3, 4}
	fine := []byte{0, 0, 1, 0}
	fineProof, _ := pathvalidator.ComputeDigest(fine)
	slowProof, _ := pathvalidator.ComputeDigest(slow)
	for i := 0; i < total; i++ {
		req := pathvalidator.Request{Payer: payerA, Path: fine, Proof: fineProof}
		switch i % 4 {
		case 1:
			req.Path, req.Proof = slow, slowProof
		case 3:
			req.Path = slow
		}
		if _, err := service.Submit(ctx, SubmitRequest{Request: req}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if stats.Completed >= total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", stats.Completed)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}

	if got, _ := book.Balance(context.Background(), cfg.Treasury); got != cfg.Fee*total {
		t.Fatalf("expected treasury to collect %d, got %d", cfg.Fee*total, got)
	}
	if got, _ := book.Balance(context.Background(), payerA); got != 0 {
		t.Fatalf("expected payer to be drained, got %d", got)
	}
	var completed []*Job
	for offset := 0; offset < total; offset += 100 {
		page, err := service.List(context.Background(), WithStatuses(StatusCompleted), WithLimit(100), WithOffset(offset))
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		completed = append(completed, page...)
	}
	if len(completed) != total {
		t.Fatalf("expected %d completed jobs, got %d", total, len(completed))
	}
	verdicts := make(map[pathvalidator.Verdict]int)
	for _, j := range completed {
		want := pathvalidator.VerdictValid
		if len(j.Path) == 4 && j.Path[2] == 3 {
			want = pathvalidator.VerdictSpeedExceeded
			if j.Proof != slowProof {
				want = pathvalidator.VerdictPathMismatchAndSpeedExceeded
			}
		}
		if j.Result == nil || j.Result.Verdict != want || !j.Result.FeeCharged {
			t.Fatalf("unexpected result for %s: %+v", j.ID, j.Result)
		}
		verdicts[want]++
	}
	if verdicts[pathvalidator.VerdictValid] != total/2 ||
		verdicts[pathvalidator.VerdictSpeedExceeded] != total/4 ||
		verdicts[pathvalidator.VerdictPathMismatchAndSpeedExceeded] != total/4 {
		t.Fatalf("unexpected verdict distribution: %v", verdicts)
	}
}

func TestProcessorRecordsFailingVerdictAsCompleted(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	validator := &fakeValidator{fn: func(req pathvalidator.Request) (pathvalidator.Outcome, error) {
		out := pathvalidator.Outcome{Payer: req.Payer, Charged: true, MaxSpeed: 5, Verdict: pathvalidator.VerdictPathMismatchAndSpeedExceeded}
		return out, out.Verdict.Err()
	}}
	p := NewProcessor(validator, store, queue, queue)
	j := submitOne(t, store, 3)

	if err := p.Handle(context.Background(), j.ID); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	got, _ := store.Get(context.Background(), j.ID)
	if got.Status != StatusCompleted || got.Result.ProgramCode != pathvalidator.ProgramCodePathMismatchAndSpeedExceeded ||
		!got.Result.FeeCharged || got.Result.Digest != nil {
		t.Fatalf("unexpected job: %+v %+v", got, got.Result)
	}

	if err := p.Handle(context.Background(), j.ID); err != nil {
		t.Fatalf("finished job should be skipped, got %v", err)
	}
	if validator.calls.Load() != 1 {
		t.Fatalf("expected a single validation, got %d", validator.calls.Load())
	}
}

func TestProcessorPaymentFailureIsTerminal(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingDispatcher{}
	validator := &fakeValidator{fn: func(req pathvalidator.Request) (pathvalidator.Outcome, error) {
		cause := ledger.ErrInsufficientFunds
		return pathvalidator.Outcome{}, xerrors.Wrap(pathvalidator.CodePaymentFailed, cause, "validation fee could not be charged",
			xerrors.WithRetryable(false))
	}}
	p := NewProcessor(validator, store, queue, queue, WithAlertDispatcher(alerts))
	j := submitOne(t, store, 3)

	if err := p.Handle(context.Background(), j.ID); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	got, _ := store.Get(context.Background(), j.ID)
	if got.Status != StatusFailed || got.ErrorCode != string(pathvalidator.CodePaymentFailed) || got.Result != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("terminal failure must not be republished")
	}
	if len(alerts.stages()) != 0 {
		t.Fatalf("payment failures should not alert, got %v", alerts.stages())
	}
}

func TestProcessorRetriesThenExhausts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingDispatcher{}
	validator := &fakeValidator{fn: func(pathvalidator.Request) (pathvalidator.Outcome, error) {
		return pathvalidator.Outcome{}, xerrors.New(xerrors.CodeStorageFailure, "ledger unavailable")
	}}
	p := NewProcessor(validator, store, queue, queue, WithAlertDispatcher(alerts))
	j := submitOne(t, store, 2)

	if err := p.Handle(context.Background(), j.ID); err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}
	got, _ := store.Get(context.Background(), j.ID)
	if got.Status != StatusPending || got.Attempts != 1 || queue.Len() != 1 {
		t.Fatalf("expected job back in queue, got %+v (queue %d)", got, queue.Len())
	}

	if err := p.Handle(context.Background(), j.ID); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	got, _ = store.Get(context.Background(), j.ID)
	if got.Status != StatusFailed || got.Attempts != 2 || got.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("expected exhausted job, got %+v", got)
	}
	if queue.Len() != 1 {
		t.Fatalf("exhausted job must not be republished, queue %d", queue.Len())
	}
	stages := alerts.stages()
	if len(stages) != 2 || stages[0] != "retry" || stages[1] != "exhausted" {
		t.Fatalf("unexpected alert stages: %v", stages)
	}
}

// chargedRetry sets up a job whose first attempt failed after its reference
// was already charged with memo.
func chargedRetry(t *testing.T, memo func(jobID string) string) (*MemoryStore, *ledger.MemoryLedger, *Processor, *Job) {
	t.Helper()

	ctx := context.Background()
	cfg := pathvalidator.DefaultConfig()
	book := ledger.NewMemoryLedger()
	if err := book.Seed(ctx, payerA, cfg.Fee*2); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	validator, err := pathvalidator.New(book, cfg)
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	j := submitOne(t, store, 3)

	if _, err := store.Claim(ctx, j.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	charge := ledger.Transfer{Reference: j.Reference, From: payerA, To: cfg.Treasury, Amount: cfg.Fee, Memo: memo(j.ID)}
	if err := book.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error { return tx.Transfer(ctx, charge) }); err != nil {
		t.Fatalf("pre-charge failed: %v", err)
	}
	if err := store.MarkFailed(ctx, j.ID, xerrors.CodeStorageFailure, "lost verdict", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	return store, book, NewProcessor(validator, store, queue, queue), j
}

func TestProcessorRecoversChargedRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fee := pathvalidator.DefaultFee
	store, book, p, j := chargedRetry(t, ChargeMemo)

	if err := p.Handle(ctx, j.ID); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	got, _ := store.Get(ctx, j.ID)
	if got.Status != StatusCompleted || got.Result == nil || !got.Result.FeeCharged {
		t.Fatalf("expected recovered completion, got %+v", got)
	}
	wantDigest, _ := pathvalidator.ComputeDigest(j.Path)
	if got.Result.Digest == nil || *got.Result.Digest != wantDigest || got.Result.Verdict != pathvalidator.VerdictPathMismatch {
		t.Fatalf("unexpected recomputed result: %+v", got.Result)
	}
	if balance, _ := book.Balance(ctx, payerA); balance != fee {
		t.Fatalf("fee must be charged once, balance %d", balance)
	}
}

func TestProcessorDoesNotClaimForeignCharge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fee := pathvalidator.DefaultFee
	foreign := map[string]func(string) string{
		"sync endpoint": func(string) string { return "" },
		"other job":     func(string) string { return ChargeMemo("someone-else") },
	}
	for name, memo := range foreign {
		store, book, p, j := chargedRetry(t, memo)

		if err := p.Handle(ctx, j.ID); err != nil {
			t.Fatalf("%s: handle failed: %v", name, err)
		}
		got, _ := store.Get(ctx, j.ID)
		if got.Status != StatusFailed || got.Result != nil || got.ErrorCode != string(pathvalidator.CodePaymentFailed) {
			t.Fatalf("%s: job must fail without a result, got %+v", name, got)
		}
		if balance, _ := book.Balance(ctx, payerA); balance != fee {
			t.Fatalf("%s: no second charge expected, balance %d", name, balance)
		}
	}
}

func TestProcessorStartRequiresConsumer(t *testing.T) {
	t.Parallel()

	p := NewProcessor(&fakeValidator{}, NewMemoryStore(), nil, nil)
	if err := p.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestProcessorSkipsUnknownJob(t *testing.T) {
	t.Parallel()

	validator := &fakeValidator{fn: func(pathvalidator.Request) (pathvalidator.Outcome, error) {
		return pathvalidator.Outcome{}, nil
	}}
	p := NewProcessor(validator, NewMemoryStore(), nil, nil)
	if err := p.Handle(context.Background(), "ghost"); err != nil {
		t.Fatalf("unknown job should be skipped, got %v", err)
	}
	if validator.calls.Load() != 0 {
		t.Fatalf("validator must not run for unknown jobs")
	}
}
