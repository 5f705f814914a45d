package proc

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `00400000-00401000 r--p 00000000 08:02 173521     /srv/app/server
00401000-0067a000 r-xp 00001000 08:02 173521     /srv/app/server
0067a000-0090c000 r--p 0027a000 08:02 173521     /srv/app/server
c000000000-c004000000 rw-p 00000000 00:00 0
7f3c2a000000-7f3c2a021000 rw-p 00000000 00:00 0
7ffd9a3f1000-7ffd9a412000 rw-p 00000000 00:00 0                          [stack]
7ffd9a5f0000-7ffd9a5f2000 r-xp 00000000 00:00 0                          [vdso]
7f00aa000000-7f00aa001000 r-xp 00000000 08:02 99 /opt/my app/lib.so
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 8)

	text := maps[1]
	assert.Equal(t, uint64(0x401000), text.Start)
	assert.Equal(t, uint64(0x67a000), text.End)
	assert.Equal(t, uint64(0x1000), text.Offset)
	assert.Equal(t, "/srv/app/server", text.Path)
	assert.True(t, text.Executable())
	assert.True(t, text.Readable())
	assert.Equal(t, uint64(0x279000), text.Size())

	assert.Empty(t, maps[3].Path)
	assert.False(t, maps[3].Executable())
	assert.Equal(t, "[stack]", maps[5].Path)
	assert.Equal(t, "/opt/my app/lib.so", maps[7].Path)
}

func TestParseMaps_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"short line", "00400000-00401000 r--p\n"},
		{"no dash", "00400000 r--p 00000000 08:02 1\n"},
		{"bad start", "zz-00401000 r--p 00000000 08:02 1\n"},
		{"bad offset", "00400000-00401000 r--p xyz 08:02 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMaps(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestImageBaseAndFind(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	base, err := ImageBase(maps, "/srv/app/server")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), base)

	_, err = ImageBase(maps, "/srv/app/other")
	assert.ErrorIs(t, err, ErrNoImage)

	m, ok := Find(maps, 0x401234)
	require.True(t, ok)
	assert.Equal(t, uint64(0x401000), m.Start)

	_, ok = Find(maps, 0x10)
	assert.False(t, ok)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		want, name, exe string
		expected        bool
	}{
		{"server", "server", "/srv/app/server", true},
		{"server", "srv-worker", "/srv/app/server", true},
		{"server", "server-long-na", "", false},
		{"server", "other", "/srv/app/other", false},
		{"server", "other", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, matches(tt.want, tt.name, tt.exe), "%s/%s/%s", tt.want, tt.name, tt.exe)
	}
}

func TestGetKernelVersion(t *testing.T) {
	assert.NotEmpty(t, GetKernelVersion())
}

func TestListPidsAndTasks(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	pids, err := ListPids()
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())

	tasks, err := ListTasks(os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, tasks, os.Getpid())

	_, err = ListTasks(-1)
	assert.Error(t, err)
}

func TestReadMaps_Self(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	maps, err := ReadMaps(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, maps)

	exe, err := GetBinaryPath(os.Getpid())
	require.NoError(t, err)
	_, err = ImageBase(maps, exe)
	assert.NoError(t, err)
}

func TestFindByName_NotFound(t *testing.T) {
	ctx := context.Background()
	name := "coral-hook-no-such-process"

	_, err := FindByName(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Now()
	_, err = WaitForName(ctx, name, 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(context.Background(), int32(os.Getpid())))
}

func TestUID_Self(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	uid, err := UID(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), uid)
}
