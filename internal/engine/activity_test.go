package engine

import (
	"fmt"
	"testing"
)

func TestActivityFeedDeduplicatesConsecutive(t *testing.T) {
	t.Parallel()
	feed := newActivityFeed(4)

	if !feed.add("Running lookup") {
		t.Fatalf("first add rejected")
	}
	if feed.add("Running lookup") {
		t.Fatalf("consecutive duplicate accepted")
	}
	if !feed.add("Taking a screenshot") {
		t.Fatalf("distinct line rejected")
	}
	// A line matching a non-adjacent earlier entry is fine.
	if !feed.add("Running lookup") {
		t.Fatalf("non-adjacent repeat rejected")
	}
}

func TestActivityFeedCap(t *testing.T) {
	t.Parallel()
	feed := newActivityFeed(3)
	for i := 0; i < 10; i++ {
		feed.add(fmt.Sprintf("step %d", i))
	}
	got := feed.snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d; want 3", len(got))
	}
	if got[0] != "step 7" || got[2] != "step 9" {
		t.Fatalf("window = %v; want last three", got)
	}
}

func TestActivityFeedIgnoresBlankLines(t *testing.T) {
	t.Parallel()
	feed := newActivityFeed(3)
	if feed.add("   ") {
		t.Fatalf("blank line accepted")
	}
	if len(feed.snapshot()) != 0 {
		t.Fatalf("feed not empty")
	}
}
