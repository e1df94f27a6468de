package baseline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChange_JSON(t *testing.T) {
	tests := []struct {
		change Change
		want   string
	}{
		{ChangeUnknown, "null"},
		{Unchanged, "false"},
		{Changed, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.change.String(), func(t *testing.T) {
			data, err := json.Marshal(tt.change)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back Change
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.change, back)
		})
	}
}

func TestResult_JSONShape(t *testing.T) {
	res := Result{Ref: "main", BaselineURL: docsURL}.fail(KindClone, errors.New("boom"))

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "root")
	assert.Nil(t, raw["changed"])
	assert.Equal(t, map[string]any{"kind": "clone", "message": "boom"}, raw["error"])
}

func TestResult_Fail(t *testing.T) {
	res := Result{Root: "/cache/docs/main"}.fail(KindLocalPath, errors.New("missing"))

	assert.False(t, res.OK())
	assert.Empty(t, res.Root)
	assert.Equal(t, "local-path: missing", res.Err.Error())
}

func TestLastResult_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "last-result.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := Result{
		Root:         "/cache/docs/main",
		Ref:          "main",
		CommitSHA:    "abc123",
		Changed:      Changed,
		SkippedFetch: false,
	}
	require.NoError(t, SaveLastResult(path, in, now))

	last, err := LoadLastResult(path)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, now.Equal(last.RecordedAt))
	assert.Equal(t, in, last.Result)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLastResult_PersistsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last-result.json")
	in := Result{Ref: "main"}.fail(KindTooling, errors.New("git is not installed"))
	require.NoError(t, SaveLastResult(path, in, time.Now()))

	last, err := LoadLastResult(path)
	require.NoError(t, err)
	require.NotNil(t, last.Result.Err)
	assert.Equal(t, KindTooling, last.Result.Err.Kind)
	assert.Equal(t, "tooling: git is not installed", last.Result.Err.Error())
}

func TestLoadLastResult_Missing(t *testing.T) {
	last, err := LoadLastResult(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestLoadLastResult_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last-result.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := LoadLastResult(path)
	require.Error(t, err)
}
