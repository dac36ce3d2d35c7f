package crashrun

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Mapping is one region of a process's address space, as listed in
// /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Executable reports whether the mapping is mapped with execute permission.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// ReadMappings reads the memory map of a live process.
func ReadMappings(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	return ParseMappings(f)
}

// ParseMappings parses the /proc/<pid>/maps format:
//
//	55d0c7a00000-55d0c7a28000 r-xp 00028000 08:01 1835017   /usr/bin/dash
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, errors.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing mapping start in %q", line)
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing mapping end in %q", line)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing mapping offset in %q", line)
		}

		m := Mapping{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: offset,
		}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return maps, nil
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// IsExecutable reports whether addr lies in executable memory.
func IsExecutable(maps []Mapping, addr uint64) bool {
	m, ok := FindMapping(maps, addr)
	return ok && m.Executable()
}
