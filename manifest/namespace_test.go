package manifest

import "testing"

func TestToPascalCase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"models", "Models"},
		{"my-app", "MyApp"},
		{"my_app", "MyApp"},
		{"myApp", "MyApp"},
		{"UPPER", "Upper"},
		{"a", "A"},
		{"", ""},
		{"already-PascalCase", "AlreadyPascalCase"},
		{"foo-bar-baz", "FooBarBaz"},
		{"_leading", "Leading"},
	}

	for _, tc := range tests {
		got := ToPascalCase(tc.input)
		if got != tc.want {
			t.Errorf("ToPascalCase(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestIsReservedNamespace(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Object", true},
		{"Object::Thing", true},
		{"MyApp", false},
		{"Geometry", false},
		// Multi-segment: only root checked
		{"ThirdParty::Object", false},
	}

	for _, tc := range tests {
		got := IsReservedNamespace(tc.name)
		if got != tc.want {
			t.Errorf("IsReservedNamespace(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
