package data

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "nope")))

	fileName := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(fileName, []byte("hi"), 0o600))
	assert.True(t, FileExists(fileName))
}

func TestReplaceTildeInDir(t *testing.T) {
	assert.Equal(t, "/tmp/x", ReplaceTildeInDir("/tmp/x"))
	assert.Equal(t, "relative/x", ReplaceTildeInDir("relative/x"))
	assert.Equal(t, "", ReplaceTildeInDir(""))

	usr, err := user.Current()
	require.NoError(t, err)
	assert.Equal(t, path.Join(usr.HomeDir, "data"), ReplaceTildeInDir("~/data"))
}

func TestValidateChecksum(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "payload")
	contents := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(fileName, contents, 0o600))

	hash := sha256.Sum256(contents)
	hashStr := hex.EncodeToString(hash[:])
	require.NoError(t, ValidateChecksum(fileName, hashStr))
	require.NoError(t, ValidateChecksum(fileName, strings.ToUpper(hashStr)))
	assert.True(t, FileExists(fileName))

	bad := filepath.Join(dir, "corrupted")
	require.NoError(t, os.WriteFile(bad, []byte("tampered"), 0o600))
	err := ValidateChecksum(bad, hashStr)
	require.ErrorContains(t, err, "sha256 hash")
	// The corrupted file must be gone, so the next download retries.
	assert.False(t, FileExists(bad))
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "train_manifest.json")
	entries := []ManifestEntry{
		{AudioFilePath: "/data/wav/an251-fash-b.wav", Duration: 2.85, Text: "yes"},
		{AudioFilePath: "/data/wav/cen7-fash-b.wav", Duration: 1.0, Text: "one oh five"},
	}
	require.NoError(t, WriteManifest(fileName, entries))

	got, err := ReadManifest(fileName)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestReadManifestSkipsEmptyLines(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "manifest.json")
	contents := `{"audio_filepath": "a.wav", "duration": 1.5, "text": "go"}

{"audio_filepath": "b.wav", "duration": 0.5, "text": "stop"}
`
	require.NoError(t, os.WriteFile(fileName, []byte(contents), 0o600))

	entries, err := ReadManifest(fileName)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "go", entries[0].Text)
	assert.Equal(t, "stop", entries[1].Text)
}

func TestReadManifestErrors(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "failed to open manifest")

	dir := t.TempDir()
	fileName := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(fileName, []byte("{not json}\n"), 0o600))
	_, err = ReadManifest(fileName)
	require.ErrorContains(t, err, "invalid entry in line 1")
}
