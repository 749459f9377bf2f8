package registry

import (
	"strings"
	"sync"
	"testing"

	"github.com/go-test/deep"
)

func TestCanonicalizeFoldsCaseAndTruncates(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ABC", "abc"},
		{"abc", "abc"},
		{strings.Repeat("A", 40), strings.Repeat("a", 32)},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalizeRejectsNonASCII(t *testing.T) {
	if _, err := Canonicalize("Überprüfung"); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestCanonicalizeRejectsEmpty(t *testing.T) {
	if _, err := Canonicalize(""); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName for empty name, got %v", err)
	}
}

func TestCanonicalizeNonASCIIBeyondTruncation(t *testing.T) {
	// The non-ASCII byte sits past byte 32; canonicalisation must scan
	// the whole original string, not just the truncated prefix.
	name := strings.Repeat("a", 32) + "\xff"
	if _, err := Canonicalize(name); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestRegisterAndIsEnabled(t *testing.T) {
	r := New(nil)
	if err := r.Register("tp"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.IsEnabled("tp") {
		t.Error("newly registered tracepoint should start disabled")
	}
	if r.IsEnabled("unregistered") {
		t.Error("unregistered tracepoint must report disabled")
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New(nil)
	if err := r.Register("ABC"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("abc"); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists for case-folded duplicate, got %v", err)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	r := New(nil)
	if err := r.Register("Überprüfung"); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestSetEnabledAndClear(t *testing.T) {
	r := New(nil)
	if err := r.Register("tp1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("tp2"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	results := r.SetEnabled([]string{"tp1", "missing"}, true)
	if diff := deep.Equal(results, []bool{true, false}); diff != nil {
		t.Error("SetEnabled results differed:", diff)
	}
	if !r.IsEnabled("tp1") {
		t.Error("tp1 should be enabled")
	}
	if r.IsEnabled("tp2") {
		t.Error("tp2 should remain disabled")
	}

	r.ClearEnabledFlags()
	if r.IsEnabled("tp1") {
		t.Error("tp1 should be disabled after ClearEnabledFlags")
	}
}

func TestSnapshotNamesPreservesInsertionOrder(t *testing.T) {
	r := New(nil)
	names := []string{"zeta", "alpha", "mu"}
	for _, n := range names {
		if err := r.Register(n); err != nil {
			t.Fatalf("Register(%q): %v", n, err)
		}
	}
	if diff := deep.Equal(r.SnapshotNames(), names); diff != nil {
		t.Error("snapshot order differed:", diff)
	}
}

func TestRegisterConcurrentDuplicatesOneWinner(t *testing.T) {
	r := New(nil)
	const n = 50
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Register("same")
		}(i)
	}
	wg.Wait()
	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one successful Register, got %d", successes)
	}
	if len(r.SnapshotNames()) != 1 {
		t.Errorf("expected exactly one registered name, got %v", r.SnapshotNames())
	}
}
