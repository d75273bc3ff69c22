package validation

import "testing"

func TestIsValidSlug(t *testing.T) {
	tests := []struct {
		name string
		slug string
		want bool
	}{
		{name: "simple", slug: "mi-boda", want: true},
		{name: "digits", slug: "boda-2026", want: true},
		{name: "min length", slug: "abc", want: true},
		{name: "empty", slug: "", want: false},
		{name: "too short", slug: "ab", want: false},
		{name: "uppercase", slug: "Mi-Boda", want: false},
		{name: "leading dash", slug: "-mi-boda", want: false},
		{name: "trailing dash", slug: "mi-boda-", want: false},
		{name: "double dash", slug: "mi--boda", want: false},
		{name: "space", slug: "mi boda", want: false},
		{name: "unicode", slug: "mi-bodá", want: false},
		{name: "slash", slug: "mi/boda", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidSlug(tt.slug); got != tt.want {
				t.Errorf("IsValidSlug(%q) = %v, want %v", tt.slug, got, tt.want)
			}
		})
	}
}

func TestIsValidSlugMaxLength(t *testing.T) {
	long := make([]byte, maxSlugLength)
	for i := range long {
		long[i] = 'a'
	}

	if !IsValidSlug(string(long)) {
		t.Errorf("slug of length %d must be valid", maxSlugLength)
	}
	if IsValidSlug(string(long) + "a") {
		t.Errorf("slug of length %d must be invalid", maxSlugLength+1)
	}
}
