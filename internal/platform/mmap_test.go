package platform

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/tpde-go/tpde/internal/testing/require"
)

var testCodeBuf, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func Test_MmapCodeSegment(t *testing.T) {
	if !JITSupported() {
		t.Skip()
	}

	seg, err := MmapCodeSegment(len(testCodeBuf))
	require.NoError(t, err)
	copy(seg, testCodeBuf)
	require.Equal(t, testCodeBuf, seg)

	require.NoError(t, MakeExecutable(seg))
	require.NoError(t, MunmapCodeSegment(seg))

	t.Run("panic on zero length", func(t *testing.T) {
		captured := require.CapturePanic(func() {
			_, _ = MmapCodeSegment(0)
		})
		require.Error(t, captured)
	})
}

func Test_MunmapCodeSegment(t *testing.T) {
	if !JITSupported() {
		t.Skip()
	}

	t.Run("panic on zero length", func(t *testing.T) {
		captured := require.CapturePanic(func() {
			_ = MunmapCodeSegment(nil)
		})
		require.Error(t, captured)
	})
}
