package classify

import "testing"

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassifyEmptyIsSimple(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("   ")
	if got.Type != TypeSimple {
		t.Fatalf("type = %q, want %q", got.Type, TypeSimple)
	}
	if got.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", got.Confidence)
	}
}

func TestClassifyGreetingIsConversational(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("Hey, good morning!")
	if got.Type != TypeConversational {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeConversational, got.Reason)
	}
}

func TestClassifyOrderNumberMatchesDataPattern(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("What is the status of order 5001?")
	if got.Type != TypeDataLookup {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeDataLookup, got.Reason)
	}
	if got.Confidence < 0.9 {
		t.Fatalf("confidence = %v, want >= 0.9", got.Confidence)
	}
}

func TestClassifyKeywordScoreRoutesToBackend(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("Please retrieve the recent orders and the inventory records")
	if got.Type != TypeDataLookup {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeDataLookup, got.Reason)
	}
	if len(got.MatchedKeywords) == 0 {
		t.Fatal("expected matched keywords")
	}
}

func TestClassifyConversationalKeywordDoesNotMaskDataQuery(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("Thanks. Now find the orders for customer Dana Wolfe")
	if got.Type != TypeDataLookup {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeDataLookup, got.Reason)
	}
}

func TestClassifyPlainStatementIsSimple(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("I was driving past your store yesterday evening")
	if got.Type != TypeSimple {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeSimple, got.Reason)
	}
}

func TestClassifyShortKeywordNeedsWordBoundary(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	got := c.Classify("Yes, that works for me")
	if got.Type != TypeConversational {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeConversational, got.Reason)
	}

	// "yes" inside "yesterday" must not count as a keyword hit.
	got = c.Classify("We stopped by yesterday")
	if got.Type != TypeSimple {
		t.Fatalf("type = %q, want %q (reason %q)", got.Type, TypeSimple, got.Reason)
	}
}

func TestClassifyBadPatternRejected(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{DataPatterns: []string{"("}}); err == nil {
		t.Fatal("expected compile error")
	}
}
