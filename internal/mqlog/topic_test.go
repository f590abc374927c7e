package mqlog

import "testing"

func TestTopicPushPollRoundTrip(t *testing.T) {
	dir := t.TempDir()
	topic, err := OpenTopic(dir, "metadata", 4096, 4)
	if err != nil {
		t.Fatalf("OpenTopic: %v", err)
	}
	defer topic.Close()

	values := []string{"one", "two", "three", "four"}
	for _, v := range values {
		if _, err := topic.Push([]byte(v)); err != nil {
			t.Fatalf("Push(%q): %v", v, err)
		}
	}

	for i, want := range values {
		rec, ok, err := topic.Poll("crawler")
		if err != nil {
			t.Fatalf("Poll #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Poll #%d: expected a record, got none", i)
		}
		if string(rec.Value) != want {
			t.Fatalf("Poll #%d = %q, want %q", i, rec.Value, want)
		}
		if rec.Offset != uint64(i) {
			t.Fatalf("Poll #%d offset = %d, want %d", i, rec.Offset, i)
		}
	}

	if _, ok, err := topic.Poll("crawler"); err != nil || ok {
		t.Fatalf("expected no more records, got ok=%v err=%v", ok, err)
	}
}

func TestTopicIndependentConsumers(t *testing.T) {
	dir := t.TempDir()
	topic, err := OpenTopic(dir, "metadata", 4096, 4)
	if err != nil {
		t.Fatalf("OpenTopic: %v", err)
	}
	defer topic.Close()

	for _, v := range []string{"a", "b"} {
		if _, err := topic.Push([]byte(v)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	rec, ok, err := topic.Poll("fast")
	if err != nil || !ok || string(rec.Value) != "a" {
		t.Fatalf("fast consumer first poll = %+v, ok=%v, err=%v", rec, ok, err)
	}
	rec, ok, err = topic.Poll("fast")
	if err != nil || !ok || string(rec.Value) != "b" {
		t.Fatalf("fast consumer second poll = %+v, ok=%v, err=%v", rec, ok, err)
	}

	rec, ok, err = topic.Poll("slow")
	if err != nil || !ok || string(rec.Value) != "a" {
		t.Fatalf("slow consumer should still start at the beginning: %+v, ok=%v, err=%v", rec, ok, err)
	}
}

func TestTopicRollsSegmentOnOverflow(t *testing.T) {
	dir := t.TempDir()
	// A tiny segment size forces a roll after the first record.
	small := int64(EncodedLen(4))
	topic, err := OpenTopic(dir, "metadata", small, 4)
	if err != nil {
		t.Fatalf("OpenTopic: %v", err)
	}
	defer topic.Close()

	if _, err := topic.Push([]byte("aaaa")); err != nil {
		t.Fatalf("Push #1: %v", err)
	}
	if _, err := topic.Push([]byte("bbbb")); err != nil {
		t.Fatalf("Push #2: %v", err)
	}

	if len(topic.bases) != 2 {
		t.Fatalf("expected 2 segments after overflow, got %d (%v)", len(topic.bases), topic.bases)
	}

	for i, want := range []string{"aaaa", "bbbb"} {
		rec, ok, err := topic.Poll("c")
		if err != nil || !ok {
			t.Fatalf("Poll #%d: ok=%v err=%v", i, ok, err)
		}
		if string(rec.Value) != want {
			t.Fatalf("Poll #%d = %q, want %q", i, rec.Value, want)
		}
	}
}

func TestTopicPurgeRebasesConsumerOffsets(t *testing.T) {
	dir := t.TempDir()
	small := int64(EncodedLen(4))
	topic, err := OpenTopic(dir, "metadata", small, 1)
	if err != nil {
		t.Fatalf("OpenTopic: %v", err)
	}
	defer topic.Close()

	for _, v := range []string{"aaaa", "bbbb", "cccc"} {
		if _, err := topic.Push([]byte(v)); err != nil {
			t.Fatalf("Push(%q): %v", v, err)
		}
	}
	if len(topic.bases) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(topic.bases))
	}

	// A consumer stuck on the first record falls behind the purge window.
	if _, ok, err := topic.Poll("stuck"); err != nil || !ok {
		t.Fatalf("initial poll: ok=%v err=%v", ok, err)
	}

	if err := topic.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(topic.bases) != 1 {
		t.Fatalf("expected 1 retained segment, got %d (%v)", len(topic.bases), topic.bases)
	}

	rec, ok, err := topic.Poll("stuck")
	if err != nil || !ok {
		t.Fatalf("post-purge poll: ok=%v err=%v", ok, err)
	}
	if string(rec.Value) != "cccc" {
		t.Fatalf("post-purge poll = %q, want the oldest retained record %q", rec.Value, "cccc")
	}
}
