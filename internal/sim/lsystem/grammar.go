package lsystem

import "strings"

// Generate rewrites axiom through the rule set for the given number of
// iterations. Rewriting is left-to-right and non-overlapping: every symbol
// of the current string is replaced in one pass, replacements are never
// rescanned within the same pass, and symbols without a rule copy through.
// Generate is pure; the same inputs always produce the same string.
func Generate(axiom string, rules map[byte]string, iterations int) string {
	current := axiom
	for i := 0; i < iterations; i++ {
		current = rewrite(current, rules)
	}
	return current
}

// Generate applies the params' grammar.
func (p Params) Generate() string {
	return Generate(p.Axiom, p.Rules, p.Iterations)
}

func rewrite(input string, rules map[byte]string) string {
	var out strings.Builder
	out.Grow(len(input) * 2)
	for i := 0; i < len(input); i++ {
		c := input[i]
		if repl, ok := rules[c]; ok {
			out.WriteString(repl)
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}
