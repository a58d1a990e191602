package rtld

import (
	"debug/elf"
	"fmt"
	"github.com/ZenLiuCN/fn"
	"strings"
)

// Needed lists DT_NEEDED entries of an ELF file on the host.
func Needed(file string) (v []string, err error) {
	f, err := elf.Open(file)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(f)
	return f.ImportedLibraries()
}

// Info describes one dynamic symbol of a file.
type Info struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Defined bool
}

func (i Info) String() string {
	state := "U"
	if i.Defined {
		state = "D"
	}
	return fmt.Sprintf("%016x %6d %s %-10s %-12s %s", i.Value, i.Size, state,
		strings.TrimPrefix(i.Bind.String(), "STB_"), strings.TrimPrefix(i.Type.String(), "STT_"), i.Name)
}

// Infos is a stringer slice of Info
type Infos []Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
		s.WriteByte('\n')
	}
	return s.String()
}

// Inspect lists the dynamic symbols of an ELF file on the host.
func Inspect(file string) (v Infos, err error) {
	f, err := elf.Open(file)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(f)
	syms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	for _, s := range syms {
		v = append(v, Info{
			Name:    s.Name,
			Value:   s.Value,
			Size:    s.Size,
			Bind:    elf.ST_BIND(s.Info),
			Type:    elf.ST_TYPE(s.Info),
			Defined: s.Section != elf.SHN_UNDEF,
		})
	}
	return
}
