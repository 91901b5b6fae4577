package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu     sync.Mutex
	drafts []string
	final  []string
	failN  int
}

func (f *fakeSender) SendDraft(ctx context.Context, chatID, threadID string, draftID int64, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, text)
	return nil
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, threadID, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 && parseMode != "" {
		f.failN--
		return errors.New("markup parse error")
	}
	f.final = append(f.final, text)
	return nil
}

func TestFeedThrottlesDraftsTo100ms(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "chat1", "thread1", 7, "MarkdownV2", nil)

	a.Feed(context.Background(), "hello ")
	a.Feed(context.Background(), "world")
	a.Feed(context.Background(), "again")

	s.mu.Lock()
	n := len(s.drafts)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 draft within the throttle window, got %d", n)
	}

	time.Sleep(DraftThrottle + 20*time.Millisecond)
	a.Feed(context.Background(), "more")

	s.mu.Lock()
	n = len(s.drafts)
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected a second draft after the throttle window elapses, got %d", n)
	}
}

func TestFeedShowsSlidingWindowOnceOverLimit(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "c", "t", 1, "", nil)
	a.Feed(context.Background(), strings.Repeat("x", Window+500))

	s.mu.Lock()
	last := s.drafts[len(s.drafts)-1]
	s.mu.Unlock()
	if !strings.HasPrefix(last, "…\n") {
		t.Fatalf("expected windowed draft to be prefixed with ellipsis+newline, got prefix %q", last[:10])
	}
	if len(last) != len("…\n")+Window {
		t.Fatalf("expected window length %d, got %d", Window, len(last)-len("…\n"))
	}
}

func TestFeedIsNoopAfterCancel(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "c", "t", 1, "", nil)
	a.Cancel()
	a.Feed(context.Background(), "should not appear")

	s.mu.Lock()
	n := len(s.drafts)
	s.mu.Unlock()
	if n != 0 {
		t.Fatal("expected no drafts fed after cancel")
	}
}

func TestFinalizeEmitsNothingForEmptyBuffer(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "c", "t", 1, "", nil)
	files := a.Finalize(context.Background())
	if files != nil {
		t.Fatalf("expected nil attachments for empty buffer, got %v", files)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.drafts) != 0 || len(s.final) != 0 {
		t.Fatal("expected no sends for an empty turn")
	}
}

func TestFinalizeExtractsSendFileTagsAndSkipsEmptyText(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "c", "t", 1, "", nil)
	a.Feed(context.Background(), `<send_file path="/ws/u1/t1/out.csv">the export</send_file>`)

	files := a.Finalize(context.Background())
	if len(files) != 1 || files[0].Path != "/ws/u1/t1/out.csv" || files[0].Description != "the export" {
		t.Fatalf("unexpected attachments: %+v", files)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.final) != 0 {
		t.Fatalf("expected no text message when remaining text is empty, got %v", s.final)
	}
}

func TestFinalizeRetriesAsPlainTextOnMarkupRejection(t *testing.T) {
	t.Parallel()
	s := &fakeSender{failN: 1}
	a := New(s, "c", "t", 1, "MarkdownV2", nil)
	a.Feed(context.Background(), "**bold** text")
	a.Finalize(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.final) != 1 || !strings.Contains(s.final[0], "bold") {
		t.Fatalf("expected the plain-text retry to deliver the message, got %v", s.final)
	}
}

func TestCancelLeavesPartialDraftAndSkipsFinalize(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a := New(s, "c", "t", 1, "", nil)
	a.Feed(context.Background(), "partial output")
	a.Cancel()
	files := a.Finalize(context.Background())
	if files != nil {
		t.Fatal("expected Finalize to be a no-op after Cancel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.final) != 0 {
		t.Fatal("expected no final message sent after cancellation")
	}
}

func TestConvertMarkupBoldItalicUnderlineStrike(t *testing.T) {
	t.Parallel()
	got := ConvertMarkup("**bold** and _italic_ and __under__ and ~~strike~~")
	want := "*bold* and _italic_ and __under__ and ~strike~"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSplitSegmentsKeepsInlineTagWhole(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 4090) + "*bold tag across the boundary*" + strings.Repeat("b", 50)
	segments := SplitSegments(text, SegmentLimit, softSplitLookback)
	if len(segments) < 2 {
		t.Fatalf("expected a split, got %d segments", len(segments))
	}
	for _, seg := range segments {
		if strings.Count(seg, "*")%2 != 0 {
			t.Fatalf("segment has unbalanced bold marker: %q", seg)
		}
	}
	if strings.Join(segments, "") != text {
		t.Fatalf("reassembled segments differ from the input although no block tag was reopened or closed")
	}
}

func TestSplitSegmentsClosesAndReopensBlockTag(t *testing.T) {
	t.Parallel()
	inner := strings.Repeat("line of quoted text\n", 250)
	text := "```\n" + inner + "```"
	segments := SplitSegments(text, SegmentLimit, softSplitLookback)
	if len(segments) < 2 {
		t.Fatalf("expected the long fence to split, got %d segment(s)", len(segments))
	}
	if !strings.HasSuffix(segments[0], "```") {
		t.Fatalf("expected first segment to close the fence, got suffix %q", segments[0][len(segments[0])-10:])
	}
	if !strings.HasPrefix(segments[1], "```") {
		t.Fatalf("expected second segment to reopen the fence, got prefix %q", segments[1][:10])
	}
}
