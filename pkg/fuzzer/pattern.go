package fuzzer

import (
	"regexp"
	"regexp/syntax"
	"strings"
)

const (
	patternRetries  = 8
	patternMaxDepth = 12
	repeatSpread    = 3
)

// patternString produces a string accepted by pattern where feasible.
// Candidates come from a walk of the parsed expression; each one is
// verified against the compiled pattern, and after a bounded number of
// rejected candidates the pattern text with its metacharacters stripped
// is returned as a best-effort literal.
func (s *Sampler) patternString(pattern string) string {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return stripMetacharacters(pattern)
	}
	verifier, verr := regexp.Compile(pattern)
	simplified := parsed.Simplify()
	for i := 0; i < patternRetries; i++ {
		candidate := s.walkRegexp(simplified, 0)
		if verr != nil || verifier.MatchString(candidate) {
			return candidate
		}
	}
	return stripMetacharacters(pattern)
}

func (s *Sampler) walkRegexp(re *syntax.Regexp, depth int) string {
	if depth > patternMaxDepth {
		return ""
	}
	switch re.Op {
	case syntax.OpLiteral:
		return string(re.Rune)
	case syntax.OpCharClass:
		return string(s.classRune(re.Rune))
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		return string(rune('a' + s.rng.Intn(26)))
	case syntax.OpCapture:
		return s.walkRegexp(re.Sub[0], depth+1)
	case syntax.OpConcat:
		var b strings.Builder
		for _, sub := range re.Sub {
			b.WriteString(s.walkRegexp(sub, depth+1))
		}
		return b.String()
	case syntax.OpAlternate:
		return s.walkRegexp(re.Sub[s.rng.Intn(len(re.Sub))], depth+1)
	case syntax.OpStar:
		return s.repeatRegexp(re.Sub[0], 0, repeatSpread, depth)
	case syntax.OpPlus:
		return s.repeatRegexp(re.Sub[0], 1, 1+repeatSpread, depth)
	case syntax.OpQuest:
		return s.repeatRegexp(re.Sub[0], 0, 1, depth)
	case syntax.OpRepeat:
		lo, hi := re.Min, re.Max
		if hi < 0 {
			hi = lo + repeatSpread
		}
		return s.repeatRegexp(re.Sub[0], lo, hi, depth)
	default:
		// Anchors, boundaries and empty matches contribute nothing.
		return ""
	}
}

func (s *Sampler) repeatRegexp(sub *syntax.Regexp, lo int, hi int, depth int) string {
	n := lo
	if hi > lo {
		n += s.rng.Intn(hi - lo + 1)
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(s.walkRegexp(sub, depth+1))
	}
	return b.String()
}

// classRune picks a rune from a character class, clamped to printable
// ASCII so negated classes with enormous ranges stay sane.
func (s *Sampler) classRune(pairs []rune) rune {
	type span struct{ lo, hi rune }
	spans := []span{}
	total := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		lo, hi := pairs[i], pairs[i+1]
		if lo < 0x20 {
			lo = 0x20
		}
		if hi > 0x7e {
			hi = 0x7e
		}
		if lo > hi {
			continue
		}
		spans = append(spans, span{lo, hi})
		total += int(hi-lo) + 1
	}
	if total == 0 {
		if len(pairs) > 0 {
			return pairs[0]
		}
		return 'a'
	}
	n := s.rng.Intn(total)
	for _, sp := range spans {
		width := int(sp.hi-sp.lo) + 1
		if n < width {
			return sp.lo + rune(n)
		}
		n -= width
	}
	return 'a'
}

// stripMetacharacters degrades a pattern into a plain literal.
func stripMetacharacters(pattern string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\^$.|?*+()[]{}`, r) {
			return -1
		}
		return r
	}, pattern)
}
