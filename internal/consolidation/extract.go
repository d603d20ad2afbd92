package consolidation

import (
	"regexp"
	"strings"

	"lorekeeper/internal/types"
)

// =============================================================================
// SCHEMA-CONSTRAINED EXTRACTION
// =============================================================================

// Extraction recognizes a fixed set of fact shapes and nothing else. Text
// that matches no schema produces no candidate; there is no free-form path
// into the graph.

var (
	// "Mara's allegiance is the Iron Court" / "Mara's eye color was grey"
	attributePattern = regexp.MustCompile(
		`\b([A-Z][\w'-]*(?:\s[A-Z][\w'-]*)*)'s\s+([a-z][\w\s]*?)\s+(?:is|was|became)\s+([^.;,\n]+)`)

	// "Mara is dead" / "The lighthouse was destroyed"
	statusPattern = regexp.MustCompile(
		`\b((?:[A-Z][\w'-]*|[Tt]he\s+[\w'-]+)(?:\s[A-Z][\w'-]*)*)\s+(?:is|was|has been)\s+(dead|deceased|alive|destroyed|missing|imprisoned|freed|healed|wounded)\b`)

	// "Mara died in the fire" / "Tobias perished"
	deathPattern = regexp.MustCompile(
		`\b((?:[A-Z][\w'-]*|[Tt]he\s+[\w'-]+)(?:\s[A-Z][\w'-]*)*)\s+(died|perished|drowned|fell)\b`)

	// "Mara knows Tobias" / "Mara trusts the Warden"
	relationPattern = regexp.MustCompile(
		`\b([A-Z][\w'-]*(?:\s[A-Z][\w'-]*)*)\s+(knows|trusts|distrusts|serves|leads|loves|hates|betrayed)\s+((?:the\s+)?[A-Z][\w'-]*(?:\s[A-Z][\w'-]*)*)`)

	// "Mara arrived at the Hollow Spire" / "Tobias is in Vexport"
	locationPattern = regexp.MustCompile(
		`\b([A-Z][\w'-]*(?:\s[A-Z][\w'-]*)*)\s+(?:is in|arrived at|traveled to|entered|returned to)\s+((?:the\s+)?[A-Z][\w'-]*(?:\s[A-Z][\w'-]*)*)`)
)

// relationVerbs maps recognized verbs onto graph relations. Every verb in
// relationPattern must appear here.
var relationVerbs = map[string]types.Relation{
	"knows":     types.RelKnows,
	"trusts":    types.RelKnows,
	"distrusts": types.RelKnows,
	"serves":    types.RelDependsOn,
	"leads":     types.RelDependsOn,
	"loves":     types.RelKnows,
	"hates":     types.RelChallenges,
	"betrayed":  types.RelChallenges,
}

// Extract runs the classifier over a run of uncommitted events and returns
// candidate facts in event order. Summary events are skipped: their content
// subsumes material that was already consolidated.
func Extract(events []types.Event) []types.CandidateFact {
	var out []types.CandidateFact
	for _, ev := range events {
		if ev.Role == types.RoleSummary {
			continue
		}
		prov := provenanceFor(ev)
		out = append(out, extractAttributes(ev, prov)...)
		out = append(out, extractStatusChanges(ev, prov)...)
		out = append(out, extractDeaths(ev, prov)...)
		out = append(out, extractRelationships(ev, prov)...)
		out = append(out, extractLocations(ev, prov)...)
	}
	return out
}

// provenanceFor maps an event's role onto the provenance its facts carry.
func provenanceFor(ev types.Event) types.Provenance {
	p := types.Provenance{Timestamp: ev.Timestamp}
	switch ev.Role {
	case types.RoleCorrection:
		p.Kind = types.ProvUserCorrection
		p.Confidence = 1.0
	case types.RoleUser:
		p.Kind = types.ProvUserAuthored
		p.Confidence = 0.9
	case types.RoleDraft:
		p.Kind = types.ProvExtracted
		p.Confidence = 0.8
	default:
		p.Kind = types.ProvExtracted
		p.Confidence = 0.6
	}
	return p
}

func extractAttributes(ev types.Event, prov types.Provenance) []types.CandidateFact {
	var facts []types.CandidateFact
	for _, m := range attributePattern.FindAllStringSubmatch(ev.Content, -1) {
		facts = append(facts, types.CandidateFact{
			Topic:       types.TopicCharacterAttribute,
			Subject:     strings.TrimSpace(m[1]),
			SubjectType: types.NodeCharacter,
			Property:    normalizeProperty(m[2]),
			Value:       strings.TrimSpace(m[3]),
			Provenance:  prov,
			SourceSeq:   ev.Seq,
		})
	}
	return facts
}

func extractStatusChanges(ev types.Event, prov types.Provenance) []types.CandidateFact {
	var facts []types.CandidateFact
	for _, m := range statusPattern.FindAllStringSubmatch(ev.Content, -1) {
		subject := canonicalName(m[1])
		value := strings.ToLower(m[2])
		facts = append(facts, types.CandidateFact{
			Topic:       types.TopicStatusChange,
			Subject:     subject,
			SubjectType: subjectTypeFor(value),
			Property:    "status",
			Value:       value,
			Provenance:  prov,
			SourceSeq:   ev.Seq,
		})
	}
	return facts
}

// fellExclusions are the common non-lethal continuations of "fell".
var fellExclusions = []string{"in love", "asleep", "silent", "behind", "ill"}

// extractDeaths handles the past-tense intransitive forms ("Mara died in
// the fire") that the copula status schema cannot see.
func extractDeaths(ev types.Event, prov types.Provenance) []types.CandidateFact {
	var facts []types.CandidateFact
	for _, idx := range deathPattern.FindAllStringSubmatchIndex(ev.Content, -1) {
		subject := canonicalName(ev.Content[idx[2]:idx[3]])
		verb := strings.ToLower(ev.Content[idx[4]:idx[5]])
		if verb == "fell" && fellNonLethal(ev.Content[idx[5]:]) {
			continue
		}
		facts = append(facts, types.CandidateFact{
			Topic:       types.TopicStatusChange,
			Subject:     subject,
			SubjectType: types.NodeCharacter,
			Property:    "status",
			Value:       "dead",
			Provenance:  prov,
			SourceSeq:   ev.Seq,
		})
	}
	return facts
}

func fellNonLethal(rest string) bool {
	rest = strings.ToLower(strings.TrimSpace(rest))
	for _, excl := range fellExclusions {
		if strings.HasPrefix(rest, excl) {
			return true
		}
	}
	return false
}

func extractRelationships(ev types.Event, prov types.Provenance) []types.CandidateFact {
	var facts []types.CandidateFact
	for _, m := range relationPattern.FindAllStringSubmatch(ev.Content, -1) {
		rel, ok := relationVerbs[strings.ToLower(m[2])]
		if !ok {
			continue
		}
		facts = append(facts, types.CandidateFact{
			Topic:       types.TopicRelationship,
			Subject:     strings.TrimSpace(m[1]),
			SubjectType: types.NodeCharacter,
			Relation:    rel,
			Object:      canonicalName(m[3]),
			Provenance:  prov,
			SourceSeq:   ev.Seq,
		})
	}
	return facts
}

func extractLocations(ev types.Event, prov types.Provenance) []types.CandidateFact {
	var facts []types.CandidateFact
	for _, m := range locationPattern.FindAllStringSubmatch(ev.Content, -1) {
		facts = append(facts, types.CandidateFact{
			Topic:       types.TopicLocation,
			Subject:     strings.TrimSpace(m[1]),
			SubjectType: types.NodeCharacter,
			Relation:    types.RelLocatedIn,
			Object:      canonicalName(m[2]),
			Provenance:  prov,
			SourceSeq:   ev.Seq,
		})
	}
	return facts
}

// canonicalName strips a leading article and title-cases the remainder so
// "the lighthouse" and "The Lighthouse" recall the same node.
func canonicalName(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "the ") {
		s = s[4:]
	}
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func normalizeProperty(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// subjectTypeFor guesses the node type behind a status verb object.
// "destroyed" applies to places and objects, the rest to characters.
func subjectTypeFor(status string) types.NodeType {
	if status == "destroyed" {
		return types.NodeObject
	}
	return types.NodeCharacter
}
