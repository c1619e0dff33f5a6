package domain

import (
	"testing"
)

func TestRegister_DerivesConventionalNames(t *testing.T) {
	reg := testRegistry(t)

	d, ok := reg.Lookup("cars")
	if !ok {
		t.Fatalf("expected cars registered")
	}
	if d.VersionTable() != "car_versions" {
		t.Fatalf("expected car_versions, got %s", d.VersionTable())
	}
	if d.ReferenceField() != "car_id" {
		t.Fatalf("expected car_id, got %s", d.ReferenceField())
	}

	assoc, ok := d.Association("wheels")
	if !ok {
		t.Fatalf("expected the wheels association")
	}
	if assoc.VersionField != "wheels_versions" {
		t.Fatalf("expected the default version field, got %s", assoc.VersionField)
	}
}

func TestRegister_RejectsBadDescriptors(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
	}{
		{"missing singular", Descriptor{Name: "cars"}},
		{"duplicate field", Descriptor{Name: "cars", Singular: "car", Fields: []FieldDefinition{
			{Name: "name", Type: FieldTypeString}, {Name: "name", Type: FieldTypeString},
		}}},
		{"bad cardinality", Descriptor{Name: "cars", Singular: "car", Associations: []Association{
			{Name: "wheels", Target: "wheels", Cardinality: "several", ForeignKey: "car_id"},
		}}},
		{"missing foreign key", Descriptor{Name: "cars", Singular: "car", Associations: []Association{
			{Name: "wheels", Target: "wheels", Cardinality: CardinalityMany},
		}}},
	}

	for _, tc := range cases {
		reg := NewRegistry()
		if err := reg.Register(tc.d); err == nil {
			t.Fatalf("%s: expected registration to fail", tc.name)
		}
	}
}

func TestRegister_RejectsDuplicateTypes(t *testing.T) {
	reg := NewRegistry()
	d := Descriptor{Name: "cars", Singular: "car"}
	if err := reg.Register(d); err != nil {
		t.Fatalf("first registration must succeed, got %v", err)
	}
	if err := reg.Register(d); err == nil {
		t.Fatalf("expected duplicate registration rejected")
	}
}

func TestTarget_UnregisteredTargetFails(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:     "cars",
		Singular: "car",
		Associations: []Association{
			{Name: "wheels", Target: "wheels", Cardinality: CardinalityMany, ForeignKey: "car_id"},
		},
	})
	d, _ := reg.Lookup("cars")
	assoc, _ := d.Association("wheels")
	if _, err := reg.Target(d, assoc); err == nil {
		t.Fatalf("expected unregistered target to fail")
	}
}

func TestTracked(t *testing.T) {
	reg := testRegistry(t)
	if !reg.Tracked("cars") {
		t.Fatalf("cars must be tracked")
	}
	if reg.Tracked("stickers") {
		t.Fatalf("stickers must be untracked")
	}
	if reg.Tracked("boats") {
		t.Fatalf("unregistered types are never tracked")
	}
}
