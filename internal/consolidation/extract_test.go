package consolidation

import (
	"testing"
	"time"

	"lorekeeper/internal/types"
)

func event(seq int64, role types.EventRole, content string) types.Event {
	return types.Event{Seq: seq, Role: role, Content: content, Timestamp: time.Now().UTC()}
}

func TestExtractStatusChange(t *testing.T) {
	facts := Extract([]types.Event{event(1, types.RoleDraft, "By nightfall, Mara was dead.")})
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1: %+v", len(facts), facts)
	}
	f := facts[0]
	if f.Topic != types.TopicStatusChange {
		t.Errorf("Topic = %q, want status_change", f.Topic)
	}
	if f.Subject != "Mara" || f.Property != "status" || f.Value != "dead" {
		t.Errorf("fact = %+v, want Mara status=dead", f)
	}
	if f.SourceSeq != 1 {
		t.Errorf("SourceSeq = %d, want 1", f.SourceSeq)
	}
}

func TestExtractPastTenseDeath(t *testing.T) {
	cases := []struct {
		content string
		subject string
	}{
		{"Mara died in the fire.", "Mara"},
		{"Tobias perished beneath the waves.", "Tobias"},
		{"The Warden drowned.", "Warden"},
		{"Old Brennan fell at the gates.", "Old Brennan"},
	}
	for _, tc := range cases {
		facts := Extract([]types.Event{event(1, types.RoleUser, tc.content)})
		if len(facts) != 1 {
			t.Fatalf("Extract(%q) facts = %d, want 1: %+v", tc.content, len(facts), facts)
		}
		f := facts[0]
		if f.Topic != types.TopicStatusChange || f.Subject != tc.subject || f.Value != "dead" {
			t.Errorf("Extract(%q) = %+v, want %s status=dead", tc.content, f, tc.subject)
		}
	}
}

func TestExtractFellIsNotAlwaysLethal(t *testing.T) {
	for _, content := range []string{
		"Mara fell in love with the Warden.",
		"Tobias fell asleep at the helm.",
		"The Warden fell silent.",
	} {
		for _, f := range Extract([]types.Event{event(1, types.RoleUser, content)}) {
			if f.Topic == types.TopicStatusChange && f.Value == "dead" {
				t.Errorf("Extract(%q) produced a death fact: %+v", content, f)
			}
		}
	}
}

func TestExtractCharacterAttribute(t *testing.T) {
	facts := Extract([]types.Event{event(2, types.RoleUser, "Mara's allegiance is the Iron Court.")})
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1: %+v", len(facts), facts)
	}
	f := facts[0]
	if f.Topic != types.TopicCharacterAttribute {
		t.Errorf("Topic = %q, want character_attribute", f.Topic)
	}
	if f.Property != "allegiance" {
		t.Errorf("Property = %q, want allegiance", f.Property)
	}
	if f.Provenance.Kind != types.ProvUserAuthored {
		t.Errorf("Provenance = %q, want user_authored for a user event", f.Provenance.Kind)
	}
}

func TestExtractRelationshipAndLocation(t *testing.T) {
	facts := Extract([]types.Event{event(3, types.RoleDraft, "Mara trusts Tobias. Tobias arrived at the Hollow Spire.")})
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2: %+v", len(facts), facts)
	}

	var rel, loc *types.CandidateFact
	for i := range facts {
		switch facts[i].Topic {
		case types.TopicRelationship:
			rel = &facts[i]
		case types.TopicLocation:
			loc = &facts[i]
		}
	}
	if rel == nil || loc == nil {
		t.Fatalf("missing topics in %+v", facts)
	}
	if rel.Subject != "Mara" || rel.Object != "Tobias" || rel.Relation != types.RelKnows {
		t.Errorf("relationship = %+v, want Mara KNOWS Tobias", rel)
	}
	if loc.Subject != "Tobias" || loc.Object != "Hollow Spire" || loc.Relation != types.RelLocatedIn {
		t.Errorf("location = %+v, want Tobias LOCATED_IN Hollow Spire", loc)
	}
}

func TestExtractCorrectionOutranksEverything(t *testing.T) {
	facts := Extract([]types.Event{event(4, types.RoleCorrection, "Mara is alive")})
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(facts))
	}
	if facts[0].Provenance.Kind != types.ProvUserCorrection {
		t.Errorf("Provenance = %q, want user_correction", facts[0].Provenance.Kind)
	}
	if facts[0].Provenance.Confidence != 1.0 {
		t.Errorf("Confidence = %f, want 1.0", facts[0].Provenance.Confidence)
	}
}

func TestExtractIgnoresFreeFormAndSummaries(t *testing.T) {
	facts := Extract([]types.Event{
		event(5, types.RoleDraft, "the rain kept falling on the empty road"),
		event(6, types.RoleSummary, "Mara was dead long before the bridge fell."),
	})
	if len(facts) != 0 {
		t.Fatalf("facts = %d, want 0 (no schema match, summaries skipped): %+v", len(facts), facts)
	}
}

func TestCanonicalName(t *testing.T) {
	if got := canonicalName("the lighthouse"); got != "Lighthouse" {
		t.Errorf("canonicalName = %q, want Lighthouse", got)
	}
	if got := canonicalName("The Hollow Spire"); got != "Hollow Spire" {
		t.Errorf("canonicalName = %q, want Hollow Spire", got)
	}
}
