package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"whisperd\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.False(t, shouldPrintUsageHint(errors.New("download model \"whisper-base\": context deadline exceeded")))
	require.False(t, shouldPrintUsageHint(nil))
}
