//go:build !whisper_cpp

package engine

import "errors"

// Load fails in builds without the whisper.cpp bindings. The default
// build stays pure Go; build with -tags whisper_cpp for local inference.
func Load(modelPath, device string) (Factory, error) {
	return nil, errors.New("whisper.cpp support is disabled in this build (rebuild with -tags whisper_cpp)")
}
