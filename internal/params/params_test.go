package params

import (
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

func TestBuildTaskDefaultsDueDateAndWarns(t *testing.T) {
	s := signal.Signal{Subject: "Fix the broken build", Body: "line one\n\nline two", Timestamp: time.Now()}
	d := signal.Decision{Priority: 2}

	res, err := BuildTask(s, d, PlatformConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload["status"] != "Not Started" {
		t.Fatalf("expected default status, got %+v", res.Payload)
	}
	if !containsWarning(res.Warnings, "due_date_defaulted") {
		t.Fatalf("expected due_date_defaulted warning, got %v", res.Warnings)
	}
}

func TestBuildTaskMissingTitleFails(t *testing.T) {
	s := signal.Signal{Subject: "   "}
	_, err := BuildTask(s, signal.Decision{}, PlatformConfig{})
	if err == nil {
		t.Fatal("expected an error for missing title")
	}
	be, ok := err.(*BuildError)
	if !ok {
		t.Fatalf("expected *BuildError, got %T", err)
	}
	if len(be.MissingFields) != 1 || be.MissingFields[0] != "title" {
		t.Fatalf("unexpected missing fields: %v", be.MissingFields)
	}
}

func TestBuildNotificationRequiresChannel(t *testing.T) {
	s := signal.Signal{Subject: "hello"}
	_, err := BuildNotification(s, signal.Decision{}, PlatformConfig{})
	if err == nil {
		t.Fatal("expected an error for missing channel")
	}
}

func TestBuildNotificationIncludesThreadRef(t *testing.T) {
	s := signal.Signal{Subject: "re: status", ThreadRef: "thread-123"}
	res, err := BuildNotification(s, signal.Decision{}, PlatformConfig{DefaultChannel: "ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload["thread_ref"] != "thread-123" {
		t.Fatalf("expected thread_ref to be carried through, got %+v", res.Payload)
	}
}

func TestBuildDocumentRequiresFileIDAndContainer(t *testing.T) {
	s := signal.Signal{Subject: "invoice.pdf"}
	_, err := BuildDocument(s, signal.Decision{}, PlatformConfig{})
	be, ok := err.(*BuildError)
	if !ok {
		t.Fatalf("expected *BuildError, got %v", err)
	}
	if len(be.MissingFields) != 2 {
		t.Fatalf("expected both file_id and container_id missing, got %v", be.MissingFields)
	}
}

func TestBuildDocumentSucceedsWithFileIDAndConfiguredContainer(t *testing.T) {
	s := signal.Signal{Subject: "invoice.pdf"}
	d := signal.Decision{Parameters: map[string]any{"file_id": "file-1"}}
	res, err := BuildDocument(s, d, PlatformConfig{DefaultContainerID: "folder-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload["container_id"] != "folder-1" || res.Payload["file_id"] != "file-1" {
		t.Fatalf("unexpected payload: %+v", res.Payload)
	}
}

func TestBuildCardPositionsHighPriorityAtTop(t *testing.T) {
	s := signal.Signal{Subject: "card title"}
	res, err := BuildCard(s, signal.Decision{Priority: 1}, PlatformConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload["position"] != "top" {
		t.Fatalf("expected high priority card at top, got %+v", res.Payload)
	}
	if res.Payload["label"] != "urgent" {
		t.Fatalf("expected urgent label for priority 1, got %+v", res.Payload)
	}
}

func TestDescribeSignalFoldsParagraphs(t *testing.T) {
	s := signal.Signal{Body: "first line\nstill first\n\nsecond paragraph"}
	got, links := describeSignal(s)
	want := "first line still first\n\nsecond paragraph"
	if got != want {
		t.Fatalf("describeSignal() = %q, want %q", got, want)
	}
	if len(links) != 0 {
		t.Fatalf("expected no links, got %v", links)
	}
}

func TestRenderSpansStripsBoldAndItalic(t *testing.T) {
	got, _ := renderSpans("please **review** this *today*")
	want := "please review this today"
	if got != want {
		t.Fatalf("renderSpans() = %q, want %q", got, want)
	}
}

func TestRenderSpansHandlesNestedMarkers(t *testing.T) {
	got, _ := renderSpans("**bold with *nested italic* inside**")
	want := "bold with nested italic inside"
	if got != want {
		t.Fatalf("renderSpans() = %q, want %q", got, want)
	}
}

func TestRenderSpansRestoresUnbalancedMarkersLiterally(t *testing.T) {
	got, _ := renderSpans("an *unterminated marker and a **closed** one")
	want := "an *unterminated marker and a closed one"
	if got != want {
		t.Fatalf("renderSpans() = %q, want %q", got, want)
	}
}

func TestRenderSpansExtractsLinks(t *testing.T) {
	got, links := renderSpans("see [the doc](https://example.com/doc) for details")
	wantText := "see the doc for details"
	if got != wantText {
		t.Fatalf("renderSpans() text = %q, want %q", got, wantText)
	}
	if len(links) != 1 || links[0].Text != "the doc" || links[0].URL != "https://example.com/doc" {
		t.Fatalf("unexpected links: %+v", links)
	}
}

func TestRenderSpansTreatsMalformedLinkAsLiteral(t *testing.T) {
	got, links := renderSpans("a [broken link without closing paren")
	want := "a [broken link without closing paren"
	if got != want {
		t.Fatalf("renderSpans() = %q, want %q", got, want)
	}
	if len(links) != 0 {
		t.Fatalf("expected no links for malformed span, got %v", links)
	}
}

func TestBuildNotificationIncludesExtractedLinks(t *testing.T) {
	s := signal.Signal{Subject: "status", Body: "see [the report](https://example.com/r) for context"}
	res, err := BuildNotification(s, signal.Decision{}, PlatformConfig{DefaultChannel: "ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	links, ok := res.Payload["links"].([]Link)
	if !ok || len(links) != 1 || links[0].URL != "https://example.com/r" {
		t.Fatalf("expected extracted links in payload, got %+v", res.Payload["links"])
	}
}

func containsWarning(warnings []string, target string) bool {
	for _, w := range warnings {
		if w == target {
			return true
		}
	}
	return false
}
