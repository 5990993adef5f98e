package resources

import "testing"

func TestWordlistSizeAndUniqueness(t *testing.T) {
	words, err := Wordlist()
	if err != nil {
		t.Fatalf("Wordlist: %v", err)
	}
	if len(words) != WordlistSize {
		t.Fatalf("expected %d words, got %d", WordlistSize, len(words))
	}
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if seen[w] {
			t.Fatalf("duplicate word %q in embedded wordlist", w)
		}
		seen[w] = true
	}
}

func TestDefaultBootstrapNodes(t *testing.T) {
	nodes, err := DefaultBootstrapNodes()
	if err != nil {
		t.Fatalf("DefaultBootstrapNodes: %v", err)
	}
	if len(nodes) == 0 {
		t.Fatal("expected at least one default bootstrap node")
	}
}
