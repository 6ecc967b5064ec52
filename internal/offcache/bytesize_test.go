package offcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"64k", 64 * 1024},
		{"100kb", 100 * 1024},
		{"512mb", 512 * 1024 * 1024},
		{"1.5g", 3 * 512 * 1024 * 1024},
		{" 2 G ", 2 * 1024 * 1024 * 1024},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := parseBytes(c.in)
		require.NoError(t, err, "parseBytes(%q)", c.in)
		assert.Equal(t, c.want, got, "parseBytes(%q)", c.in)
	}

	for _, in := range []string{"", "b", "-5", "abc", "12x"} {
		_, err := parseBytes(in)
		assert.Error(t, err, "parseBytes(%q)", in)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0b"},
		{512, "512b"},
		{1024, "1kb"},
		{1536, "1.5kb"},
		{1024 * 1024, "1mb"},
		{11 * 512 * 1024, "5.5mb"},
		{3 * 1024 * 1024 * 1024, "3gb"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, formatBytes(c.in), "formatBytes(%d)", c.in)
	}
}
