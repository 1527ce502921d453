package maxprocs

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffInfof(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	infof := diffInfof(zerolog.New(&buf))

	infof("maxprocs: Leaving GOMAXPROCS=%d", 4)
	infof("maxprocs: Leaving GOMAXPROCS=%d", 4)
	infof("maxprocs: Leaving GOMAXPROCS=%d", 2)

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"), "repeated messages are dropped")
}

func TestRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, Run(ctx, 5*time.Millisecond), context.DeadlineExceeded)
}
