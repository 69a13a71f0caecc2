package wrap

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/tools/imports"
)

// txnImportPath is the import path of the transaction engine referenced by
// every generated wrapper
const txnImportPath = "github.com/ifabos/go-txn/txn"

// Generator generates transactional wrappers for parsed interfaces
type Generator struct {
	file        *File
	outputDir   string
	packageName string
	templates   *template.Template
	includes    []Import
}

// NewGenerator creates a wrapper generator for the interfaces in file. The
// generated package name defaults to the source file's package.
func NewGenerator(file *File, outputDir string) *Generator {
	g := &Generator{
		file:        file,
		outputDir:   outputDir,
		packageName: file.Package,
	}
	for _, imp := range file.Imports {
		g.AddImport(imp)
	}
	return g
}

// SetPackageName sets the Go package name to use for generated code
func (g *Generator) SetPackageName(name string) {
	g.packageName = name
}

// AddImport adds an import to include in generated files. Imports the
// wrapper emits on its own are skipped, and unused ones are pruned during
// formatting.
func (g *Generator) AddImport(imp Import) {
	if imp.Path == "context" || imp.Path == txnImportPath {
		return
	}
	g.includes = append(g.includes, imp)
}

// Generate generates wrappers for every exported interface in the file
func (g *Generator) Generate() error {
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return err
	}
	if err := g.initTemplates(); err != nil {
		return err
	}
	for _, iface := range g.file.Interfaces {
		if !exported(iface.Name) {
			continue
		}
		if err := g.generateInterface(iface); err != nil {
			return err
		}
	}
	return nil
}

// GenerateInterface generates the wrapper for a single named interface
func (g *Generator) GenerateInterface(name string) error {
	iface, ok := g.file.Interface(name)
	if !ok {
		return fmt.Errorf("interface %s not found in %s", name, g.file.Package)
	}
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return err
	}
	if err := g.initTemplates(); err != nil {
		return err
	}
	return g.generateInterface(iface)
}

// Initialize the templates used for code generation
func (g *Generator) initTemplates() error {
	g.templates = template.New("wrap").Funcs(template.FuncMap{
		"paramList":   paramList,
		"argList":     argList,
		"txArgList":   txArgList,
		"resultList":  resultList,
		"resultVars":  resultVars,
		"resultNames": resultNames,
		"hasValues":   hasValues,
	})

	for _, tmpl := range []struct {
		name string
		text string
	}{
		{"file", fileTemplate},
		{"wrapper", wrapperTemplate},
	} {
		if _, err := g.templates.New(tmpl.name).Parse(tmpl.text); err != nil {
			return err
		}
	}
	return nil
}

// Generate the wrapper file for one interface
func (g *Generator) generateInterface(iface Interface) error {
	var buf bytes.Buffer
	err := g.templates.ExecuteTemplate(&buf, "wrapper", map[string]interface{}{
		"Package":   g.packageName,
		"Imports":   g.includes,
		"Interface": iface,
	})
	if err != nil {
		return err
	}

	filename := filepath.Join(g.outputDir, strings.ToLower(iface.Name)+"_tx.go")
	// Use goimports for formatting and pruning of unused imports
	var formatted []byte
	formatted, err = imports.Process(filename, buf.Bytes(), nil)
	if err != nil {
		// Fallback to go/format if goimports fails
		formatted, err = format.Source(buf.Bytes())
		if err != nil {
			// If formatting fails, write the unformatted code for debugging
			unformattedFile := filename + ".unformatted"
			if err := os.WriteFile(unformattedFile, buf.Bytes(), 0644); err != nil {
				return err
			}
			return fmt.Errorf("failed to format generated code for %s: %v", iface.Name, err)
		}
	}
	return os.WriteFile(filename, formatted, 0644)
}

// exported reports whether the interface name is exported
func exported(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// paramList returns the parameter list of a method signature
func paramList(m Method) string {
	var params []string
	for _, p := range m.Params {
		params = append(params, fmt.Sprintf("%s %s", p.Name, p.Type))
	}
	return strings.Join(params, ", ")
}

// argList returns the argument list for delegating calls
func argList(m Method) string {
	var args []string
	for i, p := range m.Params {
		if m.Variadic && i == len(m.Params)-1 {
			args = append(args, p.Name+"...")
			continue
		}
		args = append(args, p.Name)
	}
	return strings.Join(args, ", ")
}

// txArgList returns the argument list for calls inside the transaction
// callback, substituting the callback's context for the caller's
func txArgList(m Method) string {
	var args []string
	for i, p := range m.Params {
		name := p.Name
		if i == 0 {
			name = "ctx"
		}
		if m.Variadic && i == len(m.Params)-1 {
			args = append(args, name+"...")
			continue
		}
		args = append(args, name)
	}
	return strings.Join(args, ", ")
}

// resultList returns the result list of a method signature
func resultList(m Method) string {
	if len(m.Results) == 0 {
		return ""
	}
	var results []string
	for _, r := range m.Results {
		results = append(results, r.Type)
	}
	if len(results) == 1 {
		return results[0]
	}
	return "(" + strings.Join(results, ", ") + ")"
}

// resultVars returns declarations for the value results captured across the
// transaction callback
func resultVars(m Method) string {
	var vars []string
	for i, r := range m.Results[:len(m.Results)-1] {
		vars = append(vars, fmt.Sprintf("var r%d %s", i, r.Type))
	}
	return strings.Join(vars, "\n\t")
}

// resultNames returns the names of the captured value results
func resultNames(m Method) string {
	var names []string
	for i := range m.Results[:len(m.Results)-1] {
		names = append(names, fmt.Sprintf("r%d", i))
	}
	return strings.Join(names, ", ")
}

// hasValues reports whether the method returns values besides its error
func hasValues(m Method) bool {
	return len(m.Results) > 1
}

// Template for the generated file header
const fileTemplate = `// Code generated by txnwrap. DO NOT EDIT.
package {{.Package}}

import (
	"context"

	"github.com/ifabos/go-txn/txn"
	{{range .Imports}}
	{{.Alias}} "{{.Path}}"
	{{end}}
)
`

// Template for the transactional wrapper of one interface
const wrapperTemplate = `{{template "file" .}}

// {{.Interface.Name}}WithTx runs {{.Interface.Name}} methods inside transactions
// managed by a txn.Manager. Methods taking a context.Context and returning an
// error run through the manager; every other method delegates directly.
type {{.Interface.Name}}WithTx struct {
	next       {{.Interface.Name}}
	manager    *txn.Manager
	definition *txn.Definition
}

var _ {{.Interface.Name}} = (*{{.Interface.Name}}WithTx)(nil)

// New{{.Interface.Name}}WithTx wraps next so its transactional methods run
// through manager under definition. A nil definition applies the manager's
// defaults.
func New{{.Interface.Name}}WithTx(next {{.Interface.Name}}, manager *txn.Manager, definition *txn.Definition) *{{.Interface.Name}}WithTx {
	return &{{.Interface.Name}}WithTx{next: next, manager: manager, definition: definition}
}

{{range .Interface.Methods}}
{{if .Transactional}}
// {{.Name}} runs inside a managed transaction
func (w *{{$.Interface.Name}}WithTx) {{.Name}}({{paramList .}}) {{resultList .}} {
	{{if hasValues .}}{{resultVars .}}
	txErr := w.manager.Execute({{(index .Params 0).Name}}, w.definition, func(ctx context.Context) error {
		var err error
		{{resultNames .}}, err = w.next.{{.Name}}({{txArgList .}})
		return err
	})
	return {{resultNames .}}, txErr
	{{else}}return w.manager.Execute({{(index .Params 0).Name}}, w.definition, func(ctx context.Context) error {
		return w.next.{{.Name}}({{txArgList .}})
	})
	{{end}}
}
{{else}}
// {{.Name}} delegates to the wrapped {{$.Interface.Name}}
func (w *{{$.Interface.Name}}WithTx) {{.Name}}({{paramList .}}) {{resultList .}} {
	{{if .Results}}return {{end}}w.next.{{.Name}}({{argList .}})
}
{{end}}
{{end}}
`
