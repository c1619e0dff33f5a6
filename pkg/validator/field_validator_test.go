package validator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCheckValue_AcceptsMatchingValues(t *testing.T) {
	cases := []struct {
		name  string
		value any
		typ   FieldType
	}{
		{"string", "hello", FieldTypeString},
		{"int", 42, FieldTypeInteger},
		{"whole float as integer", float64(7), FieldTypeInteger},
		{"json number as integer", json.Number("12"), FieldTypeInteger},
		{"float", 3.14, FieldTypeFloat},
		{"int as float", 3, FieldTypeFloat},
		{"boolean", true, FieldTypeBoolean},
		{"timestamp string", "2025-03-01T12:00:00Z", FieldTypeTimestamp},
		{"timestamp value", time.Now(), FieldTypeTimestamp},
		{"json map", map[string]any{"a": 1}, FieldTypeJSON},
		{"uuid value", uuid.New(), FieldTypeUUID},
		{"uuid string", uuid.New().String(), FieldTypeUUID},
		{"uppercase type name", "hello", FieldType("STRING")},
	}
	for _, tc := range cases {
		if err := CheckValue("f", tc.value, tc.typ); err != nil {
			t.Fatalf("%s: expected value to pass, got %v", tc.name, err)
		}
	}
}

func TestCheckValue_NilAlwaysPasses(t *testing.T) {
	for _, typ := range []FieldType{FieldTypeString, FieldTypeInteger, FieldTypeUUID} {
		if err := CheckValue("f", nil, typ); err != nil {
			t.Fatalf("expected nil to pass for %s, got %v", typ, err)
		}
	}
}

func TestCheckValue_RejectsMismatchedValues(t *testing.T) {
	cases := []struct {
		name  string
		value any
		typ   FieldType
	}{
		{"number as string", 42, FieldTypeString},
		{"fractional float as integer", 7.5, FieldTypeInteger},
		{"string as float", "3.14", FieldTypeFloat},
		{"string as boolean", "true", FieldTypeBoolean},
		{"malformed timestamp", "yesterday", FieldTypeTimestamp},
		{"number as timestamp", 1234567890, FieldTypeTimestamp},
		{"malformed uuid", "not-a-uuid", FieldTypeUUID},
		{"number as uuid", 42, FieldTypeUUID},
	}
	for _, tc := range cases {
		if err := CheckValue("f", tc.value, tc.typ); err == nil {
			t.Fatalf("%s: expected a type error", tc.name)
		}
	}
}

func TestCheckValue_UnknownTypeFails(t *testing.T) {
	err := CheckValue("f", "x", FieldType("decimal"))
	if err == nil {
		t.Fatalf("expected unknown type to fail")
	}
	if !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckValue_ErrorNamesTheField(t *testing.T) {
	err := CheckValue("mileage", "lots", FieldTypeInteger)
	if err == nil {
		t.Fatalf("expected a type error")
	}
	if !strings.Contains(err.Error(), "mileage") {
		t.Fatalf("error should name the field, got %v", err)
	}
}
