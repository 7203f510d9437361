package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/storage"
)

func job(covers, expected int) Job {
	return Job{
		ConversationID: "c1",
		Messages:       []agent.Message{{Sender: agent.SenderUser, Text: "川を調べたい"}},
		CoversUpToTurn: covers,
		Expected:       expected,
	}
}

func TestSummarizer_ScheduleOnePerConversation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	client := llm.ClientFunc(func(ctx context.Context, _ []llm.Message, _ llm.Options) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "要約", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	sums := newFakeSummaries()
	sz := NewSummarizer(client, sums, "m", time.Second)

	if !sz.Schedule(job(5, -1)) {
		t.Fatal("first job should start")
	}
	<-started
	if sz.Schedule(job(6, -1)) {
		t.Error("second job for the same conversation should be refused")
	}
	other := job(3, -1)
	other.ConversationID = "c2"
	if !sz.Schedule(other) {
		t.Fatal("job for another conversation should start")
	}
	<-started
	close(release)
	sz.Wait()

	if got, _ := sums.GetSummary(context.Background(), "c1"); got.CoversUpToTurn != 5 {
		t.Errorf("c1 summary = %+v", got)
	}
	if !sz.Schedule(job(9, 5)) {
		t.Error("conversation should accept a new job after the first finished")
	}
	sz.Wait()
}

func TestSummarizer_StaleRewriteConflicts(t *testing.T) {
	sums := newFakeSummaries()
	sz := NewSummarizer(llm.NewScripted(llm.Rule{Reply: "要約"}), sums, "m", time.Second)
	ctx := context.Background()

	if err := sz.Rewrite(ctx, job(10, -1)); err != nil {
		t.Fatalf("first Rewrite: %v", err)
	}
	if err := sz.Rewrite(ctx, job(12, -1)); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale rewrite err = %v, want ErrConflict", err)
	}
	if err := sz.Rewrite(ctx, job(14, 10)); err != nil {
		t.Errorf("rewrite based on current row: %v", err)
	}
	got, _ := sums.GetSummary(ctx, "c1")
	if got.CoversUpToTurn != 14 {
		t.Errorf("CoversUpToTurn = %d, want 14", got.CoversUpToTurn)
	}
}

func TestSummarizer_Failures(t *testing.T) {
	ctx := context.Background()
	sums := newFakeSummaries()

	failing := NewSummarizer(llm.NewScripted(llm.Rule{Err: errors.New("503")}), sums, "m", time.Second)
	if err := failing.Rewrite(ctx, job(5, -1)); !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("err = %v, want ErrExternalFailure", err)
	}

	blank := NewSummarizer(llm.NewScripted(llm.Rule{Reply: "  \n"}), sums, "m", time.Second)
	if err := blank.Rewrite(ctx, job(5, -1)); !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("blank summary err = %v", err)
	}
	if _, err := sums.GetSummary(ctx, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("failed rewrites must not store anything")
	}

	empty := job(5, -1)
	empty.Messages = nil
	if err := blank.Rewrite(ctx, empty); err != nil {
		t.Errorf("no messages should be a no-op, got %v", err)
	}
}

func TestSummarizer_Timeout(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, _ []llm.Message, _ llm.Options) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	sums := newFakeSummaries()
	sz := NewSummarizer(client, sums, "m", 50*time.Millisecond)
	sz.Schedule(job(5, -1))

	done := make(chan struct{})
	go func() { sz.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("summarizer job did not honor its timeout")
	}
}
