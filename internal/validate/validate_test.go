package validate

import "testing"

type upgradeLike struct {
	CPU         *int   `validate:"required_without_all=MemoryBytes DiskSizeBytes,omitempty,gt=0"`
	MemoryBytes *int64 `validate:"required_without_all=CPU DiskSizeBytes,omitempty,gt=0"`
}

func TestStructValid(t *testing.T) {
	cpu := 2
	if err := Struct(upgradeLike{CPU: &cpu}); err != nil {
		t.Fatalf("Struct() error = %v, want nil", err)
	}
}

func TestStructRejectsAllFieldsUnset(t *testing.T) {
	if err := Struct(upgradeLike{}); err == nil {
		t.Fatal("expected an error when every field is unset")
	}
}

func TestStructRejectsNonPositive(t *testing.T) {
	zero := 0
	if err := Struct(upgradeLike{CPU: &zero}); err == nil {
		t.Fatal("expected an error for a non-positive CPU value")
	}
}
