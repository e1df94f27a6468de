package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocate_Deterministic(t *testing.T) {
	a := Locate("/cache", "https://github.com/org/docs.git", "main")
	b := Locate("/cache", "https://github.com/org/docs.git", "main")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "/cache/docs-"), "got %s", a)
	assert.Equal(t, "main", filepath.Base(a))
}

func TestLocate_CollisionFree(t *testing.T) {
	locations := []string{
		"https://github.com/org/docs.git",
		"https://github.com/org/docs",
		"https://github.com/other/docs.git",
		"git@github.com:org/docs.git",
		"ssh://git@github.com/org/docs.git",
		"https://github.com/org/handbook.git",
		"weird location without segments",
		"weird location without segments!",
		"https://",
		"",
	}
	refs := []string{"main", "v1.0", "feature/x", "feature_x", "release"}

	seen := make(map[string]string)
	for _, loc := range locations {
		for _, ref := range refs {
			p := Locate("/cache", loc, ref)
			key := loc + "@" + ref
			if prev, ok := seen[p]; ok {
				t.Fatalf("collision: %q and %q both map to %s", prev, key, p)
			}
			seen[p] = key
		}
	}
}

func TestLocate_StaysUnderRoot(t *testing.T) {
	for _, ref := range []string{"..", "../../etc", "/abs", ".", ""} {
		p := Locate("/cache", "https://github.com/org/docs.git", ref)
		rel, err := filepath.Rel("/cache", p)
		assert.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "ref %q escaped root: %s", ref, p)
		assert.Equal(t, 2, len(strings.Split(rel, string(filepath.Separator))), "ref %q: %s", ref, p)
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		location   string
		wantPrefix string
	}{
		{"https://github.com/org/docs.git", "docs-"},
		{"https://github.com/org/docs/", "docs-"},
		{"git@github.com:docs.git", "docs-"},
		{"/srv/git/My Docs.git", "My_Docs-"},
		{"no-separators-here", "no-separators-here-"},
		{"https://", "https-"},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			got := Name(tt.location)
			assert.True(t, strings.HasPrefix(got, tt.wantPrefix), "Name(%q) = %q", tt.location, got)
			assert.Regexp(t, `^[A-Za-z0-9._-]+$`, got)
		})
	}
}

func TestName_FallbackIsCapped(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := Name(long)
	assert.LessOrEqual(t, len(got), maxFallbackName+1+digestLen)
}

func TestRefDir(t *testing.T) {
	assert.Equal(t, "main", RefDir("main"))
	assert.Equal(t, "v1.2.3", RefDir("v1.2.3"))
	assert.NotEqual(t, RefDir("feature/x"), RefDir("feature_x"))
	assert.True(t, strings.HasPrefix(RefDir("feature/x"), "feature_x-"))
	assert.Regexp(t, `^ref-[0-9a-f]{12}$`, RefDir(".."))
}
