package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/identity"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    identity.Workstation
		wantErr bool
	}{
		{
			name:  "simple",
			input: "ws1:hazardServices:main",
			want:  identity.New("ws1", "hazardServices", "main"),
		},
		{
			name:  "application containing separators",
			input: "ws1:cave:hazards:42",
			want:  identity.New("ws1", "cave:hazards", "42"),
		},
		{
			name:  "empty thread",
			input: "ws1:app:",
			want:  identity.New("ws1", "app", ""),
		},
		{
			name:  "empty application",
			input: "ws1::t1",
			want:  identity.New("ws1", "", "t1"),
		},
		{
			name:    "no separator",
			input:   "ws1",
			wantErr: true,
		},
		{
			name:    "single separator",
			input:   "ws1:app",
			wantErr: true,
		},
		{
			name:    "empty host",
			input:   ":app:t1",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := identity.Parse(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, identity.ErrMalformed)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.input, got.String())
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { identity.MustParse("nope") })
	assert.NotPanics(t, func() { identity.MustParse("a:b:c") })
}

func TestWorkstationSameOwner(t *testing.T) {
	t.Parallel()

	a := identity.MustParse("ws1:app:t1")

	assert.True(t, a.SameOwner(identity.MustParse("ws1:app:t2")), "thread is ignored")
	assert.False(t, a.SameOwner(identity.MustParse("ws2:app:t1")), "host differs")
	assert.False(t, a.SameOwner(identity.MustParse("ws1:other:t1")), "application differs")
	assert.Equal(t, "ws1:app", a.Owner())
}

func TestSameOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	testCases := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "identical", a: "h:a:t", b: "h:a:t", want: true},
		{name: "different thread", a: "h:a:t1", b: "h:a:t2", want: true},
		{name: "different host", a: "h1:a:t", b: "h2:a:t", want: false},
		{name: "different application", a: "h:a1:t", b: "h:a2:t", want: false},
		{name: "left malformed", a: "garbage", b: "h:a:t", want: false},
		{name: "right malformed", a: "h:a:t", b: "garbage", want: false},
		{name: "both malformed and identical", a: "garbage", b: "garbage", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, identity.SameOwner(ctx, tc.a, tc.b))
		})
	}
}
