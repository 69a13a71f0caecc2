package wrap

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"strconv"
)

// Parser extracts interface definitions from Go source files
type Parser struct {
	fset *token.FileSet
}

// NewParser creates a new interface parser
func NewParser() *Parser {
	return &Parser{fset: token.NewFileSet()}
}

// Parse parses a single Go source file into its interface model. filename is
// used for positions only; src may be a string, []byte or io.Reader, or nil
// to read the file from disk. Interfaces embedded from the same file are
// flattened into the embedding interface; interfaces embedded from other
// packages are rejected.
func (p *Parser) Parse(filename string, src any) (*File, error) {
	astFile, err := parser.ParseFile(p.fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	file := &File{Package: astFile.Name.Name}
	for _, imp := range astFile.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("bad import path %s: %v", imp.Path.Value, err)
		}
		alias := ""
		if imp.Name != nil {
			alias = imp.Name.Name
		}
		file.Imports = append(file.Imports, Import{Alias: alias, Path: path})
	}

	// collect the raw interface declarations first so embedding can be
	// resolved in declaration order
	raw := make(map[string]*ast.InterfaceType)
	var names []string
	for _, decl := range astFile.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || genDecl.Tok != token.TYPE {
			continue
		}
		for _, spec := range genDecl.Specs {
			typeSpec, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			ifaceType, ok := typeSpec.Type.(*ast.InterfaceType)
			if !ok {
				continue
			}
			raw[typeSpec.Name.Name] = ifaceType
			names = append(names, typeSpec.Name.Name)
		}
	}

	for _, name := range names {
		methods, err := p.methods(name, raw, map[string]bool{})
		if err != nil {
			return nil, err
		}
		file.Interfaces = append(file.Interfaces, Interface{Name: name, Methods: methods})
	}
	return file, nil
}

// methods flattens the method set of an interface, splicing in interfaces
// embedded from the same file
func (p *Parser) methods(name string, raw map[string]*ast.InterfaceType, seen map[string]bool) ([]Method, error) {
	if seen[name] {
		return nil, fmt.Errorf("interface %s embeds itself", name)
	}
	seen[name] = true

	ifaceType := raw[name]
	var methods []Method
	for _, field := range ifaceType.Methods.List {
		if len(field.Names) == 0 {
			// embedded interface
			switch embedded := field.Type.(type) {
			case *ast.Ident:
				if _, ok := raw[embedded.Name]; !ok {
					return nil, fmt.Errorf("interface %s embeds %s, which is not declared in the same file", name, embedded.Name)
				}
				inner, err := p.methods(embedded.Name, raw, seen)
				if err != nil {
					return nil, err
				}
				methods = append(methods, inner...)
			default:
				return nil, fmt.Errorf("interface %s embeds %s from another package, which is not supported", name, types.ExprString(field.Type))
			}
			continue
		}

		funcType, ok := field.Type.(*ast.FuncType)
		if !ok {
			return nil, fmt.Errorf("interface %s contains a non-method element", name)
		}
		for _, methodName := range field.Names {
			methods = append(methods, buildMethod(methodName.Name, funcType))
		}
	}
	return methods, nil
}

// buildMethod converts an AST function type into the method model,
// synthesizing parameter names where the source leaves them out
func buildMethod(name string, funcType *ast.FuncType) Method {
	m := Method{Name: name}

	if funcType.Params != nil {
		for _, field := range funcType.Params.List {
			typeName := types.ExprString(field.Type)
			if _, variadic := field.Type.(*ast.Ellipsis); variadic {
				m.Variadic = true
			}
			if len(field.Names) == 0 {
				m.Params = append(m.Params, Param{Name: paramName("", typeName, len(m.Params)), Type: typeName})
				continue
			}
			for _, paramIdent := range field.Names {
				m.Params = append(m.Params, Param{Name: paramName(paramIdent.Name, typeName, len(m.Params)), Type: typeName})
			}
		}
	}

	if funcType.Results != nil {
		for _, field := range funcType.Results.List {
			typeName := types.ExprString(field.Type)
			n := len(field.Names)
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				m.Results = append(m.Results, Param{Type: typeName})
			}
		}
	}
	return m
}

// paramName returns a usable parameter name, inventing one when the source
// declares the parameter anonymously
func paramName(given, typeName string, position int) string {
	if given != "" && given != "_" {
		return given
	}
	if position == 0 && typeName == "context.Context" {
		return "ctx"
	}
	return fmt.Sprintf("arg%d", position)
}
