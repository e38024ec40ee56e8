package extract

import (
	"testing"

	"github.com/loregraph/loregraph/internal/store"
)

const rulesSample = `"We ride at dawn," said Elena. Marcus replied with a nod.
They met at the Harrow Castle before the long march began.
"What nonsense," said What.`

func TestExtractWithRules(t *testing.T) {
	rules := store.DefaultExtractionConfig().RuleConfig

	res := extractWithRules(rulesSample, rules)

	var characters, locations []string
	for _, e := range res.Entities {
		switch e.Type {
		case TypeCharacter:
			characters = append(characters, e.Name)
			if e.Confidence != characterConfidence {
				t.Errorf("character confidence = %v, want %v", e.Confidence, characterConfidence)
			}
		case TypeLocation:
			locations = append(locations, e.Name)
		}
	}

	has := func(names []string, want string) bool {
		for _, n := range names {
			if n == want {
				return true
			}
		}
		return false
	}
	if !has(characters, "Elena") || !has(characters, "Marcus") {
		t.Errorf("characters = %v, want Elena and Marcus", characters)
	}
	if has(characters, "What") {
		t.Error("filter word What leaked into characters")
	}
	if !has(locations, "Harrow Castle") {
		t.Errorf("locations = %v, want Harrow Castle", locations)
	}

	// Two characters in one chapter co-occur.
	foundKnows := false
	for _, r := range res.Relations {
		if r.Type == "KNOWS" {
			foundKnows = true
		}
	}
	if !foundKnows {
		t.Error("expected a KNOWS co-occurrence relation")
	}
}

func TestExtractWithRulesInvalidPattern(t *testing.T) {
	rules := store.RuleConfig{
		CharacterPatterns: []string{`([unclosed`, `(Elena)`},
	}
	res := extractWithRules("Elena rode on.", rules)
	if len(res.Entities) != 1 || res.Entities[0].Name != "Elena" {
		t.Errorf("entities = %+v, want just Elena", res.Entities)
	}
}

func TestExtractWithRulesDeterministic(t *testing.T) {
	rules := store.DefaultExtractionConfig().RuleConfig
	a := extractWithRules(rulesSample, rules)
	b := extractWithRules(rulesSample, rules)
	if len(a.Entities) != len(b.Entities) || len(a.Relations) != len(b.Relations) {
		t.Fatalf("rules extraction not deterministic: %d/%d vs %d/%d",
			len(a.Entities), len(a.Relations), len(b.Entities), len(b.Relations))
	}
	for i := range a.Entities {
		if a.Entities[i] != b.Entities[i] {
			t.Errorf("entity %d differs: %+v vs %+v", i, a.Entities[i], b.Entities[i])
		}
	}
}
