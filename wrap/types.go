package wrap

// Param is a single parameter or result of a wrapped method
type Param struct {
	Name string
	Type string
}

// Method describes one method of a wrapped interface
type Method struct {
	Name     string
	Params   []Param
	Results  []Param
	Variadic bool
}

// Transactional reports whether the method can run inside a managed
// transaction: it takes a context.Context as its first parameter and
// returns an error as its last result
func (m Method) Transactional() bool {
	return len(m.Params) > 0 && m.Params[0].Type == "context.Context" &&
		len(m.Results) > 0 && m.Results[len(m.Results)-1].Type == "error"
}

// Interface describes an interface to wrap
type Interface struct {
	Name    string
	Methods []Method
}

// Import is a source-file import carried into generated code. Unused
// imports are pruned during formatting.
type Import struct {
	Alias string
	Path  string
}

// File is the parsed model of one Go source file
type File struct {
	Package    string
	Imports    []Import
	Interfaces []Interface
}

// Interface returns the named interface from the file
func (f *File) Interface(name string) (Interface, bool) {
	for _, iface := range f.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}
