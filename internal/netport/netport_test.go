package netport

import (
	"net"
	"testing"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/stretchr/testify/require"
)

func TestCandidatesOrder(t *testing.T) {
	require.Equal(t,
		[]int{8082, 8083, 8084, 8085, 8086, 8087, 8088, 8089, 8090, 8080, 8081},
		Candidates(8082, 8080, 8090))
}

func TestCandidatesClampedToRange(t *testing.T) {
	require.Equal(t, []int{8080, 8081}, Candidates(8080, 8080, 8081))
}

func TestFindSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port
	if port+1 > 65535 {
		t.Skip("ephemeral port at top of range")
	}

	l, got, err := Find("127.0.0.1", port, port, port+1)
	if err != nil {
		// neighbour also taken by another process; nothing to assert on ordering
		require.True(t, apperror.HasCode(err, apperror.NoPort))
		return
	}
	defer l.Close()
	require.Equal(t, port+1, got)
	require.False(t, Available("127.0.0.1", port))
}

func TestFindNoPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, _, err = Find("127.0.0.1", port, port, port)
	require.Error(t, err)
	require.True(t, apperror.HasCode(err, apperror.NoPort))
}
