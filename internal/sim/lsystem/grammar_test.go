package lsystem

import (
	"strings"
	"testing"
)

func TestGrammar_ReferenceExpansion(t *testing.T) {
	rules := map[byte]string{'F': "F[+F]F"}

	if got := Generate("F", rules, 1); got != "F[+F]F" {
		t.Fatalf("1 iteration: got %q", got)
	}
	if got := Generate("F", rules, 2); got != "F[+F]F[+F[+F]F]F[+F]F" {
		t.Fatalf("2 iterations: got %q", got)
	}
}

func TestGrammar_ZeroIterationsReturnsAxiom(t *testing.T) {
	if got := Generate("FX+", map[byte]string{'F': "FF"}, 0); got != "FX+" {
		t.Fatalf("got %q, want axiom unchanged", got)
	}
}

func TestGrammar_EmptyAxiom(t *testing.T) {
	if got := Generate("", map[byte]string{'F': "FF"}, 5); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestGrammar_SymbolsWithoutRulesCopyThrough(t *testing.T) {
	if got := Generate("F+X", map[byte]string{'F': "FF"}, 1); got != "FF+X" {
		t.Fatalf("got %q, want FF+X", got)
	}
}

func TestGrammar_MultipleRules(t *testing.T) {
	rules := map[byte]string{'F': "FX", 'X': "[+F]"}

	if got := Generate("FX", rules, 1); got != "FX[+F]" {
		t.Fatalf("1 iteration: got %q", got)
	}
	if got := Generate("FX", rules, 2); got != "FX[+F][+FX]" {
		t.Fatalf("2 iterations: got %q", got)
	}
}

func TestGrammar_NonOverlappingGrowth(t *testing.T) {
	// Replacements are never rescanned within a pass, so F->FF doubles
	// exactly once per iteration.
	got := Generate("F", map[byte]string{'F': "FF"}, 3)
	if want := strings.Repeat("F", 8); got != want {
		t.Fatalf("got %d symbols, want 8", len(got))
	}
}

func TestGrammar_PureFunction(t *testing.T) {
	rules := map[byte]string{'F': "F[+F][-F]"}
	a := Generate("F", rules, 4)
	b := Generate("F", rules, 4)
	if a != b {
		t.Fatalf("same inputs produced different strings")
	}
}
