package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAudioFiles_SkipsHiddenAndNonAudio(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp3", "b.M4A", "notes.txt", ".hidden.mp3", "sub/c.wav", ".cache/d.mp3"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	}

	files, err := FindAudioFiles(dir)
	require.NoError(t, err)

	var rel []string
	for _, f := range files {
		r, _ := filepath.Rel(dir, f)
		rel = append(rel, r)
	}
	assert.ElementsMatch(t, []string{"a.mp3", "b.M4A", filepath.Join("sub", "c.wav")}, rel)
}

func TestHashFile_ContentAddressed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp3")
	b := filepath.Join(dir, "b.mp3")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.md")
	require.NoError(t, WriteFileAtomic(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDisplayNameAndSafeFilename(t *testing.T) {
	assert.Equal(t, "My Show-Ep 12", DisplayName("/pods/My_Show-Ep_12.mp3"))
	assert.Equal(t, "episode", DisplayName("https://cdn.example.com/feed/episode.mp3?token=x"))
	assert.Equal(t, "Ep 1 HelloWorld", SafeFilename("Ep 1: Hello/World?"))
	assert.Equal(t, "transcript", SafeFilename("???"))
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/a.mp3"))
	assert.False(t, IsRemote("/data/a.mp3"))
}
