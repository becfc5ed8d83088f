package model

import (
	"testing"

	"github.com/fmueller/whisperd/internal/fault"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalIDs(t *testing.T) {
	t.Parallel()

	for _, id := range IDs() {
		info, err := Normalize(id)
		require.NoError(t, err)
		require.Equal(t, id, info.ID)
	}
}

func TestNormalizeAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"base":          "whisper-base",
		"tiny":          "whisper-tiny",
		"tiny.en":       "whisper-tiny.en",
		"small":         "whisper-small",
		"whisper-v3":    "whisper-large-v3",
		"large":         "whisper-large-v3",
		"WHISPER-BASE":  "whisper-base",
		"Whisper-Small": "whisper-small",
		"":              "whisper-base",
		"  medium  ":    "whisper-medium",
	}

	for input, want := range cases {
		info, err := Normalize(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, info.ID, "input %q", input)
	}
}

func TestNormalizeUnknownModel(t *testing.T) {
	t.Parallel()

	_, err := Normalize("whisper-xxl")
	require.Error(t, err)
	require.Equal(t, fault.ModelNotFound, fault.KindOf(err))
	require.Contains(t, err.Error(), "whisper-xxl")
}

func TestIDsAreClosedAndSorted(t *testing.T) {
	t.Parallel()

	ids := IDs()
	require.Len(t, ids, len(registry))
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}
	require.Contains(t, ids, "whisper-base")
	require.Contains(t, ids, "whisper-large-v3")
}

func TestRegistryEntriesHaveURLs(t *testing.T) {
	t.Parallel()

	for id, info := range registry {
		require.Equal(t, id, info.ID)
		require.Contains(t, info.URL, "huggingface.co/ggerganov/whisper.cpp")
	}
}
