package crashrun

import (
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// libcText starts a sleeping process and returns its memory mappings along
// with the mapping holding libc's code.
func libcText(t *testing.T) ([]Mapping, Mapping) {
	t.Helper()

	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("/bin/sleep not available")
	}
	cmd := exec.Command("/bin/sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	// the loader maps libc before main runs
	var maps []Mapping
	for i := 0; i < 50; i++ {
		var err error
		maps, err = ReadMappings(cmd.Process.Pid)
		require.NoError(t, err)
		for _, m := range maps {
			if m.Executable() && strings.Contains(filepath.Base(m.Path), "libc") {
				return maps, m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Skip("sleep is not dynamically linked against libc")
	return nil, Mapping{}
}

// runtimeAddr returns where the exported function name of the object mapped
// by text lives in the process.
func runtimeAddr(t *testing.T, text Mapping, name string) uint64 {
	t.Helper()

	f, err := elf.Open(text.Path)
	require.NoError(t, err)
	defer f.Close()

	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	var value uint64
	for _, sym := range syms {
		if sym.Name == name && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
			value = sym.Value
			break
		}
	}
	if value == 0 {
		t.Skipf("%s does not export %s", text.Path, name)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || value < prog.Vaddr || value >= prog.Vaddr+prog.Filesz {
			continue
		}
		fileOffset := value - prog.Vaddr + prog.Off
		require.True(t, fileOffset >= text.Offset && fileOffset < text.Offset+(text.End-text.Start),
			"%s is not in the mapped code", name)
		return text.Start + fileOffset - text.Offset
	}
	t.Fatalf("%s is not in a loadable segment", name)
	return 0
}

func symbolValueOf(t *testing.T, path string, name string) uint64 {
	t.Helper()

	obj, err := loadObjectSymbols(path)
	require.NoError(t, err)
	for _, sym := range obj.funcs {
		if sym.Name == name {
			return sym.Value
		}
	}
	t.Fatalf("%s not found in %s", name, path)
	return 0
}

func TestSymbolizer_Frame(t *testing.T) {
	maps, text := libcText(t)
	kill := runtimeAddr(t, text, "kill")
	value := symbolValueOf(t, text.Path, "kill")

	pc := kill + 4
	frame := newSymbolizer(maps).Frame(pc, false)
	assert.Equal(t, pc, frame.PC)
	assert.Equal(t, text.Path, frame.Object)
	assert.Equal(t, uint64(4), frame.Offset)

	// aliases share the address, any of them will do
	assert.Equal(t, value, symbolValueOf(t, text.Path, frame.Symbol))
}

func TestSymbolizer_ReturnAddressAtSymbolEnd(t *testing.T) {
	maps, text := libcText(t)
	kill := runtimeAddr(t, text, "kill")
	value := symbolValueOf(t, text.Path, "kill")

	// a return address equal to the next symbol's start still belongs to
	// the caller
	frame := newSymbolizer(maps).Frame(kill, true)
	if frame.Symbol != "" {
		assert.NotEqual(t, value, symbolValueOf(t, text.Path, frame.Symbol))
	}

	frame = newSymbolizer(maps).Frame(kill, false)
	assert.Equal(t, value, symbolValueOf(t, text.Path, frame.Symbol))
	assert.Zero(t, frame.Offset)
}

func TestSymbolizer_Degrades(t *testing.T) {
	maps := []Mapping{
		{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/no/such/object.so"},
		{Start: 0x3000, End: 0x4000, Perms: "r-xp", Path: "[vdso]"},
		{Start: 0x5000, End: 0x6000, Perms: "r-xp"},
	}
	sym := newSymbolizer(maps)

	assert.Equal(t, Frame{PC: 0x1010, Object: "/no/such/object.so"}, sym.Frame(0x1010, false))
	assert.Equal(t, Frame{PC: 0x3010, Object: "[vdso]"}, sym.Frame(0x3010, false))
	assert.Equal(t, Frame{PC: 0x5010}, sym.Frame(0x5010, false))
	assert.Equal(t, Frame{PC: 0x9000}, sym.Frame(0x9000, false))

	// failed objects are remembered
	_, cached := sym.objects["/no/such/object.so"]
	assert.True(t, cached)
}

func TestObjectSymbols_Lookup(t *testing.T) {
	obj := &objectSymbols{
		funcs: []elf.Symbol{
			{Name: "a", Value: 0x100, Size: 0x10},
			{Name: "b", Value: 0x200, Size: 0},
		},
	}

	_, ok := obj.lookup(0x50)
	assert.False(t, ok)

	s, ok := obj.lookup(0x10f)
	require.True(t, ok)
	assert.Equal(t, "a", s.Name)

	_, ok = obj.lookup(0x110)
	assert.False(t, ok, "past the end of a sized symbol")

	s, ok = obj.lookup(0x250)
	require.True(t, ok)
	assert.Equal(t, "b", s.Name, "unsized symbols extend to the next one")
}
