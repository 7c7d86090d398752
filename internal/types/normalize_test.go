package types

import "testing"

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{"lowercase and punctuation", "Engineer A.", "engineer a"},
		{"already normalized", "engineer a", "engineer a"},
		{"collapse whitespace", "  public   safety ", "public safety"},
		{"strip honorific", "Dr. Smith", "smith"},
		{"strip trailing qualifier", "Engineer B, P.E.", "engineer b"},
		{"mixed case", "VERIFY AI-Generated Designs", "verify ai generated designs"},
		{"empty", "", ""},
		{"only punctuation", "...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLabel(tt.label); got != tt.want {
				t.Errorf("NormalizeLabel(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestNormalizeProvision(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"II.1.a", "II.1.a"},
		{"ii.1.A", "II.1.a"},
		{" iii.2.b ", "III.2.b"},
		{"IV.3", "IV.3"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeProvision(tt.code); got != tt.want {
			t.Errorf("NormalizeProvision(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNormalizedPair(t *testing.T) {
	a := ConceptPair{First: "public-safety", Second: "confidentiality", Rationale: "r"}
	b := ConceptPair{First: "confidentiality", Second: "public-safety", Rationale: "r"}

	na := a.NormalizedPair()
	nb := b.NormalizedPair()
	if na.First != nb.First || na.Second != nb.Second {
		t.Errorf("pair normalization not order-independent: %+v vs %+v", na, nb)
	}
	if na.First > na.Second {
		t.Errorf("endpoints not sorted: %+v", na)
	}
}

func TestValidTransformationType(t *testing.T) {
	for _, v := range TransformationTypes {
		if !ValidTransformationType(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	if ValidTransformationType("resolution") {
		t.Error("expected unknown type to be invalid")
	}
}

func TestValidOutcome(t *testing.T) {
	for _, o := range Outcomes {
		if !ValidOutcome(o) {
			t.Errorf("expected %q to be valid", o)
		}
	}
	if ValidOutcome("undecided") {
		t.Error("expected unknown outcome to be invalid")
	}
}
