// Package model knows the closed set of Whisper model ids, resolves the
// aliases clients use for them, and provisions the backing GGML files on
// local disk.
package model

import (
	"sort"
	"strings"

	"github.com/fmueller/whisperd/internal/fault"
)

const Default = "whisper-base"

type Info struct {
	ID     string
	URL    string
	SHA256 string
}

// registry is the single source of truth for both the /v1/models
// enumeration and request-path normalization. Checksums come from the
// upstream whisper.cpp release manifest; entries without one are
// installed unverified.
var registry = map[string]Info{
	"whisper-tiny": {
		ID:     "whisper-tiny",
		URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256: "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"whisper-tiny.en": {
		ID:  "whisper-tiny.en",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.en.bin",
	},
	"whisper-base": {
		ID:     "whisper-base",
		URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256: "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"whisper-base.en": {
		ID:  "whisper-base.en",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
	},
	"whisper-small": {
		ID:     "whisper-small",
		URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SHA256: "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"whisper-small.en": {
		ID:  "whisper-small.en",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en.bin",
	},
	"whisper-medium": {
		ID:     "whisper-medium",
		URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SHA256: "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	"whisper-medium.en": {
		ID:  "whisper-medium.en",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.en.bin",
	},
	"whisper-large-v1": {
		ID:  "whisper-large-v1",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v1.bin",
	},
	"whisper-large-v2": {
		ID:  "whisper-large-v2",
		URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v2.bin",
	},
	"whisper-large-v3": {
		ID:     "whisper-large-v3",
		URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SHA256: "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

// aliases maps the shorthand forms clients send to canonical ids. Bare
// variant names resolve by prefixing; only irregular forms live here.
var aliases = map[string]string{
	"whisper-v1": "whisper-large-v1",
	"whisper-v2": "whisper-large-v2",
	"whisper-v3": "whisper-large-v3",
	"large":      "whisper-large-v3",
	"whisper-large": "whisper-large-v3",
}

// IDs returns the canonical model ids in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the registry entry for a canonical id.
func Lookup(id string) (Info, bool) {
	info, ok := registry[id]
	return info, ok
}

// Normalize resolves a client-supplied model name to its canonical id.
// Matching is case-insensitive; unknown names are a typed rejection,
// never a silent coercion.
func Normalize(name string) (Info, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		trimmed = Default
	}

	if alias, ok := aliases[trimmed]; ok {
		trimmed = alias
	}
	if info, ok := registry[trimmed]; ok {
		return info, nil
	}
	if info, ok := registry["whisper-"+trimmed]; ok {
		return info, nil
	}

	return Info{}, fault.Newf(fault.ModelNotFound, "unknown model %q (known models: %s)", name, strings.Join(IDs(), ", ")).WithParam("model")
}
