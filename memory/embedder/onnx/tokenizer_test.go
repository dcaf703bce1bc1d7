package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokenizer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	doc := `{"model": {"vocab": {
		"[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"kitchen": 1, "fau": 2, "##cet": 3, "leak": 4, "!": 5
	}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestWordPieceTokenizer_Encode(t *testing.T) {
	tok, err := LoadTokenizer(writeTokenizer(t))
	require.NoError(t, err)

	ids := tok.Encode("Kitchen FAUCET leak!", 128)
	assert.Equal(t, []int64{clsTokenID, 1, 2, 3, 4, 5, sepTokenID}, ids)
}

func TestWordPieceTokenizer_UnknownAndTruncation(t *testing.T) {
	tok, err := LoadTokenizer(writeTokenizer(t))
	require.NoError(t, err)

	assert.Equal(t, []int64{clsTokenID, unkTokenID, sepTokenID}, tok.Encode("zzz", 128))

	ids := tok.Encode("kitchen kitchen kitchen kitchen", 4)
	assert.Equal(t, []int64{clsTokenID, 1, 1, sepTokenID}, ids)
}

func TestLoadTokenizer_Errors(t *testing.T) {
	_, err := LoadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":{"vocab":{}}}`), 0o644))
	_, err = LoadTokenizer(path)
	assert.Error(t, err)
}
