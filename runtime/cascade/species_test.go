package cascade

import "testing"

func TestSpeciesHashStableAcrossModelChange(t *testing.T) {
	base := Phase{
		Name:         "draft",
		Instructions: "write a {{topic}} summary",
		Rules:        Rules{MaxTurns: 2, MaxAttempts: 1},
	}
	withModel := base
	withModel.Model = "claude-opus"

	if SpeciesHash(base) != SpeciesHash(withModel) {
		t.Fatalf("species hash changed when only model changed")
	}
}

func TestSpeciesHashChangesWithInstructions(t *testing.T) {
	base := Phase{Name: "draft", Instructions: "write a summary"}
	changed := base
	changed.Instructions = "write a detailed summary"

	if SpeciesHash(base) == SpeciesHash(changed) {
		t.Fatalf("species hash did not change when instructions changed")
	}
}

func TestSpeciesHashChangesWithSoundings(t *testing.T) {
	base := Phase{Name: "draft", Instructions: "write a summary"}
	changed := base
	changed.Soundings = &Soundings{Factor: 3}

	if SpeciesHash(base) == SpeciesHash(changed) {
		t.Fatalf("species hash did not change when soundings config changed")
	}
}

func TestSpeciesHashInvariantToRunMetadata(t *testing.T) {
	// run metadata (session id, trace id, attempt number) is not part of
	// Phase at all, so this is really checking that two Phase values that
	// differ only in name-irrelevant runtime state hash identically.
	a := Phase{Name: "draft", Instructions: "write a summary", Rules: Rules{MaxTurns: 1}}
	b := Phase{Name: "draft", Instructions: "write a summary", Rules: Rules{MaxTurns: 1, MaxAttempts: 0}}

	if SpeciesHash(a) != SpeciesHash(b) {
		t.Fatalf("species hash differs after Rules normalization should make these equivalent")
	}
}
