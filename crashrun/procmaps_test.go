package crashrun

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0c7a00000-55d0c7a04000 r--p 00000000 08:01 1835017                    /usr/bin/dash
55d0c7a04000-55d0c7a18000 r-xp 00004000 08:01 1835017                    /usr/bin/dash
55d0c9c1e000-55d0c9c3f000 rw-p 00000000 00:00 0                          [heap]
7f3c2a800000-7f3c2a828000 r--p 00000000 08:01 1840231                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f3c2a828000-7f3c2a9bd000 r-xp 00028000 08:01 1840231                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f3c2aa00000-7f3c2aa02000 rw-p 00000000 00:00 0
7f3c2aa10000-7f3c2aa11000 r-xp 00000000 08:01 42                         /tmp/with space/lib.so
7ffd1e5f4000-7ffd1e5f6000 r-xp 00000000 00:00 0                          [vdso]
`

func TestParseMappings(t *testing.T) {
	maps, err := ParseMappings(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 8)

	assert.Equal(t, Mapping{
		Start:  0x55d0c7a04000,
		End:    0x55d0c7a18000,
		Perms:  "r-xp",
		Offset: 0x4000,
		Path:   "/usr/bin/dash",
	}, maps[1])
	assert.Equal(t, "[heap]", maps[2].Path)
	assert.Equal(t, "", maps[5].Path)
	assert.Equal(t, "/tmp/with space/lib.so", maps[6].Path)
}

func TestParseMappings_Malformed(t *testing.T) {
	_, err := ParseMappings(strings.NewReader("zzzz-1000 r-xp 00000000 00:00 0\n"))
	assert.Error(t, err)

	_, err = ParseMappings(strings.NewReader("1000 r-xp 00000000 00:00 0\n"))
	assert.Error(t, err)
}

func TestIsExecutable(t *testing.T) {
	maps, err := ParseMappings(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	assert.True(t, IsExecutable(maps, 0x55d0c7a04000))
	assert.True(t, IsExecutable(maps, 0x7f3c2a900000))
	assert.False(t, IsExecutable(maps, 0x55d0c7a00010), "read-only segment")
	assert.False(t, IsExecutable(maps, 0x55d0c7a18000), "end is exclusive")
	assert.False(t, IsExecutable(maps, 0x10), "unmapped")
	assert.False(t, IsExecutable(nil, 0x55d0c7a04000))
}
