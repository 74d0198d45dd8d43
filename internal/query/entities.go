package query

import (
	"regexp"
	"strings"

	"github.com/rattsdata/rattsvar/pkg/models"
)

var (
	statuteRe   = regexp.MustCompile(`\b(\d{4}:\d+)\b`)
	chapterRe   = regexp.MustCompile(`(?i)\b(\d+)\s*kap\.?\b`)
	paragraphRe = regexp.MustCompile(`\b(\d+)\s*§`)
	wordRe      = regexp.MustCompile(`[\p{L}\d:§-]+`)
)

// ExtractEntities finds typed legal entities in a text. Statute numbers
// and known abbreviations carry the highest confidence; chapter and
// paragraph markers are positional and weaker on their own.
func ExtractEntities(text string) []models.Entity {
	var entities []models.Entity
	seen := make(map[string]bool)

	add := func(typ models.EntityType, value string, confidence float64) {
		key := string(typ) + ":" + value
		if seen[key] {
			return
		}
		seen[key] = true
		entities = append(entities, models.Entity{Type: typ, Value: value, Confidence: confidence})
	}

	for _, m := range statuteRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityStatute, m[1], 0.95)
	}
	for _, m := range chapterRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityChapter, m[1]+" kap", 0.7)
	}
	for _, m := range paragraphRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityParagraph, m[1]+" §", 0.7)
	}

	for _, word := range wordRe.FindAllString(text, -1) {
		trimmed := strings.Trim(word, ".,;:!?")
		if _, ok := Abbreviations[trimmed]; ok {
			add(models.EntityAbbreviation, trimmed, 0.9)
		}
	}

	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		trimmed := strings.Trim(word, ".,;:!?")
		if Authorities[trimmed] {
			add(models.EntityAuthority, trimmed, 0.85)
		}
	}

	return entities
}

// entityPriority orders entities for pronoun replacement:
// statute/abbreviation > authority > chapter > paragraph.
func entityPriority(typ models.EntityType) int {
	switch typ {
	case models.EntityStatute, models.EntityAbbreviation:
		return 0
	case models.EntityAuthority:
		return 1
	case models.EntityChapter:
		return 2
	case models.EntityParagraph:
		return 3
	}
	return 4
}

// BestEntity returns the highest-priority entity, or nil.
func BestEntity(entities []models.Entity) *models.Entity {
	var best *models.Entity
	for i := range entities {
		if best == nil || entityPriority(entities[i].Type) < entityPriority(best.Type) {
			best = &entities[i]
		}
	}
	return best
}

// HistoryEntities extracts entities from the last n turns of a history,
// most recent first.
func HistoryEntities(history []models.Turn, n int) []models.Entity {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	var entities []models.Entity
	seen := make(map[string]bool)
	for i := len(history) - 1; i >= 0; i-- {
		for _, e := range ExtractEntities(history[i].Content) {
			key := string(e.Type) + ":" + e.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, e)
		}
	}
	return entities
}
