package shamir

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "9f2c4e1a7b3d5f60718293a4b5c6d7e8f90112233445566778899aabbccddeef"

func subsets(n, k int) [][]int {
	var out [][]int
	var rec func(start int, cur []int)
	rec = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			rec(i+1, append(cur, i))
		}
	}
	rec(0, nil)
	return out
}

func pick(shares []string, idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, shares[i])
	}
	return out
}

func TestSplitCombineAnyThresholdSubset(t *testing.T) {
	shares := Split(testSecret, 3, 5)
	if len(shares) != 5 {
		t.Fatalf("expected 5 shares, got %d", len(shares))
	}
	if got := Combine(shares); got != testSecret {
		t.Fatalf("all shares: expected %s, got %s", testSecret, got)
	}
	for _, idx := range subsets(5, 3) {
		if got := Combine(pick(shares, idx)); got != testSecret {
			t.Fatalf("subset %v: expected %s, got %s", idx, testSecret, got)
		}
	}
}

func TestCombineBelowThresholdFailsOpen(t *testing.T) {
	shares := Split(testSecret, 3, 5)
	for _, idx := range subsets(5, 2) {
		got := Combine(pick(shares, idx))
		if got == "" {
			t.Fatalf("subset %v: below threshold must still produce a value", idx)
		}
		if got == testSecret {
			t.Fatalf("subset %v: unexpectedly recovered secret below threshold", idx)
		}
	}
}

func TestShareFormat(t *testing.T) {
	shares := Split(testSecret, 2, 3)
	for i, s := range shares {
		parts := strings.Split(s, "-")
		if len(parts) != 2 {
			t.Fatalf("share %q is not x-y", s)
		}
		if want := string(rune('1' + i)); parts[0] != want {
			t.Fatalf("expected index %s, got %s", want, parts[0])
		}
		if strings.ToLower(parts[1]) != parts[1] {
			t.Fatalf("share value should be lowercase hex: %q", parts[1])
		}
	}
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		k, n   int
	}{
		{"threshold above count", testSecret, 4, 3},
		{"zero threshold", testSecret, 0, 3},
		{"zero count", testSecret, 1, 0},
		{"not hex", "zz-not-hex", 2, 3},
		{"empty", "", 2, 3},
		{"exceeds field", strings.Repeat("f", 140), 2, 3},
	}
	for _, tc := range cases {
		if got := Split(tc.secret, tc.k, tc.n); len(got) != 0 {
			t.Fatalf("%s: expected no shares, got %d", tc.name, len(got))
		}
	}
}

func TestCombineIgnoresUnparseableShares(t *testing.T) {
	shares := Split(testSecret, 2, 3)
	mixed := []string{"garbage", shares[0], "1-2-3", "x-ff", shares[2], "3-zz"}
	if got := Combine(mixed); got != testSecret {
		t.Fatalf("expected %s, got %s", testSecret, got)
	}
	if got := Combine([]string{"nope", ""}); got != "" {
		t.Fatalf("expected empty result without valid shares, got %q", got)
	}
	if got := Combine(nil); got != "" {
		t.Fatalf("expected empty result for nil shares, got %q", got)
	}
}

func TestCombinePadsShortSecrets(t *testing.T) {
	shares := Split("0abc", 2, 2)
	got := Combine(shares)
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%q)", len(got), got)
	}
	if got != strings.Repeat("0", 60)+"0abc" {
		t.Fatalf("unexpected padded secret %q", got)
	}
}

func TestCombineDuplicateIndexReturnsEmpty(t *testing.T) {
	shares := Split(testSecret, 2, 3)
	if got := Combine([]string{shares[0], shares[0]}); got != "" {
		t.Fatalf("expected empty result for duplicate x, got %q", got)
	}
}

func TestThresholdOneIsConstant(t *testing.T) {
	shares := Split(testSecret, 1, 4)
	for _, s := range shares {
		if got := Combine([]string{s}); got != testSecret {
			t.Fatalf("single share %q should reveal the secret", s)
		}
	}
}

func TestCombineVerified(t *testing.T) {
	shares, checksum, err := SplitVerified(testSecret, 3, 5)
	if err != nil {
		t.Fatalf("split verified failed: %v", err)
	}
	got, err := CombineVerified(pick(shares, []int{0, 2, 4}), checksum)
	if err != nil {
		t.Fatalf("combine verified failed: %v", err)
	}
	if got != testSecret {
		t.Fatalf("expected %s, got %s", testSecret, got)
	}
	if _, err := CombineVerified(pick(shares, []int{1, 3}), checksum); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := CombineVerified([]string{shares[0], shares[0], shares[1]}, checksum); !errors.Is(err, ErrDuplicateShare) {
		t.Fatalf("expected ErrDuplicateShare, got %v", err)
	}
	if _, err := CombineVerified(nil, checksum); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares for empty input, got %v", err)
	}
	if _, _, err := SplitVerified(testSecret, 6, 5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
