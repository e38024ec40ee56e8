package extract

import (
	"log/slog"
	"regexp"
	"sync"

	"github.com/loregraph/loregraph/internal/store"
)

// The rules provider extracts deterministically with configurable regex
// patterns. It never dials anything, so it is immune to suspension and
// rate limits, and it is the floor the pipeline falls back to when a task
// opts out of AI.

const (
	characterConfidence = 0.7
	locationConfidence  = 0.6
)

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

// compilePattern caches compiled patterns; rule configs rarely change and
// recompiling per chapter would dominate the rules path.
func compilePattern(expr string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		slog.Warn("invalid rule pattern skipped", "pattern", expr, "error", err)
		patternCache[expr] = nil
		return nil
	}
	patternCache[expr] = re
	return re
}

// extractWithRules runs every configured pattern over the content. The
// first capture group of a match is the entity name; matches hitting a
// filter word are dropped. Characters found in the same chapter are
// linked pairwise with KNOWS, the weakest relation the text supports.
func extractWithRules(content string, rules store.RuleConfig) *Result {
	filter := make(map[string]bool, len(rules.FilterWords))
	for _, w := range rules.FilterWords {
		filter[w] = true
	}

	collect := func(patterns []string) []string {
		var names []string
		seen := make(map[string]bool)
		for _, expr := range patterns {
			re := compilePattern(expr)
			if re == nil {
				continue
			}
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				if len(m) < 2 {
					continue
				}
				name := normalizeName(m[1])
				if name == "" || filter[name] || seen[name] {
					continue
				}
				seen[name] = true
				names = append(names, name)
			}
		}
		return names
	}

	res := &Result{}
	characters := collect(rules.CharacterPatterns)
	for _, name := range characters {
		res.Entities = append(res.Entities, Entity{
			Type:       TypeCharacter,
			Name:       name,
			Confidence: characterConfidence,
		})
	}
	for _, name := range collect(rules.LocationPatterns) {
		res.Entities = append(res.Entities, Entity{
			Type:       TypeLocation,
			Name:       name,
			Confidence: locationConfidence,
		})
	}

	// Co-occurrence is the only relation signal the rules path has.
	for i := 0; i < len(characters); i++ {
		for j := i + 1; j < len(characters); j++ {
			res.Relations = append(res.Relations, Relation{
				From: characters[i],
				To:   characters[j],
				Type: "KNOWS",
			})
		}
	}
	return res
}
