package command

// Built-in payloads for the bed controller's write characteristic.
var defaultSimple = map[string]string{
	"antisnore":         "551643",
	"flat":              "550550",
	"footdown":          "550451",
	"footup":            "550257",
	"headdown":          "550356",
	"headup":            "550154",
	"memrecall1":        "551100",
	"memrecall2":        "551200",
	"memrecall3":        "551300",
	"memrecall4":        "551400",
	"memsave1":          "552100",
	"memsave2":          "552200",
	"memsave3":          "552300",
	"memsave4":          "552400",
	"massagefootdown":   "553461",
	"massagefootup":     "553267",
	"massageheaddown":   "553366",
	"massageheadup":     "553164",
	"stopmotion":        "55FFAA",
	"stoptimer":         "550001",
	"lighttoggle":       "555B",
	"zerog":             "551540",
	"stopmassage":       "553560",
	"fullbodymassage":   "55540A0B",
	"stopmassagemotion": "550055",
}

type argumentSpec struct {
	min, max       uint64
	offset, length int
	template       string
}

var defaultArgument = map[string]argumentSpec{
	"headposition":    {0, 0x64, 2, 1, "55510000"},
	"footposition":    {0, 0x64, 2, 1, "55520000"},
	"headmassage":     {0, 0x64, 2, 1, "55530000"},
	"footmassage":     {0, 0x64, 2, 1, "55540000"},
	"lightbrightness": {0, 0x7c, 2, 1, "55540000"},
	"lighttimer":      {0, 0xFFFF, 2, 2, "55540000"},
}

// DefaultTable returns the built-in command tables.
func DefaultTable() *Table {
	simple := make(map[string][]byte, len(defaultSimple))
	for name, h := range defaultSimple {
		simple[name] = mustParseHex(h)
	}
	argument := make(map[string]ArgumentDescriptor, len(defaultArgument))
	for name, a := range defaultArgument {
		argument[name] = ArgumentDescriptor{
			Min:      a.min,
			Max:      a.max,
			Offset:   a.offset,
			Length:   a.length,
			Template: mustParseHex(a.template),
		}
	}

	t, err := NewTable(simple, argument)
	if err != nil {
		panic(err)
	}
	return t
}

func mustParseHex(s string) []byte {
	b, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return b
}
