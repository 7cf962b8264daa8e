package reserve

import "testing"

func TestOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		// exact
		{"src/main.go", "src/main.go", true},
		{"src/main.go", "src/other.go", false},

		// literal vs glob
		{"src/api/handler.go", "src/api/*.go", true},
		{"src/api/deep/handler.go", "src/api/*.go", false},
		{"src/api/deep/handler.go", "src/api/**", true},
		{"src/api.go", "src/api/**", false},
		{"docs/readme.md", "src/**", false},

		// glob vs glob: shared literal prefix
		{"src/api/*.go", "src/**", true},
		{"src/**", "src/api/*.go", true},
		{"src/*.go", "docs/*.md", false},
		{"src/api/**", "src/api/v2/*.go", true},

		// normalization
		{"./src/main.go", "src/main.go", true},
		{"src\\main.go", "src/main.go", true},
		{"/src/main.go", "src/main.go", true},

		// character classes go through path.Match
		{"src/a.go", "src/[ab].go", true},
		{"src/c.go", "src/[ab].go", false},
	}
	for _, tc := range cases {
		if got := Overlap(tc.a, tc.b); got != tc.want {
			t.Errorf("Overlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestOverlapIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"src/api/handler.go", "src/api/*.go"},
		{"src/**", "src/api/v2/main.go"},
		{"a/b/c", "a/**"},
	}
	for _, p := range pairs {
		if Overlap(p[0], p[1]) != Overlap(p[1], p[0]) {
			t.Errorf("Overlap(%q, %q) not symmetric", p[0], p[1])
		}
	}
}
