package destination_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/pkg/destination"
)

func TestIsAlreadySettledAbort(t *testing.T) {
	require.True(t, destination.IsAlreadySettledAbort("Move abort in 0x1::settlement: EALREADY_SETTLED(0x3)"))
	require.False(t, destination.IsAlreadySettledAbort("Move abort in 0x1::settlement: EINVALID_SIGNATURE(0x1)"))
	require.False(t, destination.IsAlreadySettledAbort(""))
}
