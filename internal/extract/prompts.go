package extract

import "strings"

// Prompt templates use {title} and {content} placeholders. Content is
// truncated to the configured max length before substitution.

const entityPromptTemplate = `You are analyzing a chapter of a novel to build a knowledge graph.

Chapter title: {title}

Chapter text:
{content}

Extract every named entity from the chapter text. Respond with ONLY a JSON
object in exactly this shape, no markdown and no commentary:

{
  "characters": [{"name": "...", "description": "one sentence"}],
  "locations": [{"name": "...", "description": "one sentence"}],
  "organizations": [{"name": "...", "description": "one sentence"}],
  "events": [{"name": "short event name", "description": "one sentence"}]
}

Rules:
- Use the name exactly as it appears most often in the text.
- Do not invent entities that are not in the text.
- Use empty arrays for categories with no entities.`

const relationPromptTemplate = `You are analyzing a chapter of a novel to build a knowledge graph.

Chapter title: {title}

Chapter text:
{content}

Extract relationships between named entities in the chapter. Respond with
ONLY a JSON object in exactly this shape, no markdown and no commentary:

{
  "relations": [{"from": "entity name", "to": "entity name", "type": "TYPE", "description": "one sentence"}]
}

Allowed values for "type":
- Between two characters: FRIEND, ENEMY, LOVES, HATES, KNOWS, LEADS, FOLLOWS
- Character to event: PARTICIPATES_IN
- Event to location: OCCURS_IN
- Character to organization: BELONGS_TO

Rules:
- Only relate entities that actually appear in the text.
- Use an empty array when no relationships are stated or clearly implied.`

// renderPrompt substitutes the chapter into a template.
func renderPrompt(template, title, content string) string {
	out := strings.ReplaceAll(template, "{title}", title)
	return strings.ReplaceAll(out, "{content}", content)
}

// truncateRunes bounds content by rune count so a multi-byte character is
// never split.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
