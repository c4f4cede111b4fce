// Package unit compiles a handler unit (an HCL file) into an execution
// context: its locals are evaluated once, and every router block becomes a
// HandlerSet whose routes are evaluated per request.
package unit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// BindingKind tags a top-level binding of a unit.
type BindingKind int

const (
	BindingLocals BindingKind = iota
	BindingRouter
)

func (k BindingKind) String() string {
	switch k {
	case BindingLocals:
		return "locals"
	case BindingRouter:
		return "router"
	default:
		return "unknown"
	}
}

// Binding is one top-level block, kept in declaration order.
type Binding struct {
	Kind  BindingKind
	Name  string
	Range hcl.Range
	Set   *HandlerSet // set when Kind == BindingRouter
}

// Exported reports whether the binding is visible to the loader.
func (b Binding) Exported() bool {
	return b.Name != "" && !strings.HasPrefix(b.Name, "_")
}

// Context is the result of executing one unit. It is never mutated after
// Compile returns; a reload builds a new one.
type Context struct {
	Key      string
	Path     string
	Bindings []Binding
	Locals   cty.Value

	funcs map[string]function.Function
}

// HandlerSet returns the first exported router in declaration order.
func (c *Context) HandlerSet() (*HandlerSet, bool) {
	for _, b := range c.Bindings {
		if b.Kind == BindingRouter && b.Exported() {
			return b.Set, true
		}
	}
	return nil, false
}

// Routers returns every router binding, exported or not.
func (c *Context) Routers() []*HandlerSet {
	var out []*HandlerSet
	for _, b := range c.Bindings {
		if b.Kind == BindingRouter {
			out = append(out, b.Set)
		}
	}
	return out
}

var fileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "locals"},
		{Type: "router", LabelNames: []string{"name"}},
	},
}

// Compile parses and executes src. Any diagnostic with error severity is
// returned as hcl.Diagnostics and no Context is produced.
func Compile(key, path string, src []byte) (*Context, error) {
	file, diags := hclsyntax.ParseConfig(src, path, hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, diags
	}

	content, diags := file.Body.Content(fileSchema)
	if diags.HasErrors() {
		return nil, diags
	}

	c := &Context{
		Key:   key,
		Path:  path,
		funcs: Functions(),
	}

	// locals first: routers may reference any of them regardless of order.
	var localAttrs []*hcl.Attribute
	seen := map[string]hcl.Range{}
	for _, blk := range content.Blocks {
		if blk.Type != "locals" {
			continue
		}
		attrs, d := blk.Body.JustAttributes()
		if d.HasErrors() {
			return nil, d
		}
		for _, a := range sortedAttributes(attrs) {
			if prev, dup := seen[a.Name]; dup {
				return nil, hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate local value",
					Detail:   fmt.Sprintf("Local %q was already defined at %s.", a.Name, prev),
					Subject:  a.NameRange.Ptr(),
				}}
			}
			seen[a.Name] = a.NameRange
			localAttrs = append(localAttrs, a)
		}
	}

	locals, d := evalLocals(localAttrs, c.funcs)
	if d.HasErrors() {
		return nil, d
	}
	c.Locals = locals

	routerNames := map[string]hcl.Range{}
	for _, blk := range content.Blocks {
		switch blk.Type {
		case "locals":
			c.Bindings = append(c.Bindings, Binding{Kind: BindingLocals, Range: blk.DefRange})
		case "router":
			name := blk.Labels[0]
			if prev, dup := routerNames[name]; dup {
				return nil, hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate router",
					Detail:   fmt.Sprintf("Router %q was already declared at %s.", name, prev),
					Subject:  blk.DefRange.Ptr(),
				}}
			}
			routerNames[name] = blk.DefRange

			hs, d := decodeRouter(c, name, blk)
			if d.HasErrors() {
				return nil, d
			}
			c.Bindings = append(c.Bindings, Binding{Kind: BindingRouter, Name: name, Range: blk.DefRange, Set: hs})
		}
	}
	return c, nil
}

func (c *Context) evalContext(request cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"local":   c.Locals,
			"request": request,
		},
		Functions: c.funcs,
	}
}

// loadContext is used for values resolved once at load time.
func (c *Context) loadContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"local": c.Locals},
		Functions: c.funcs,
	}
}

// evalLocals evaluates attributes in dependency order. A local whose
// references cannot be satisfied is evaluated anyway so its diagnostics
// describe the problem.
func evalLocals(attrs []*hcl.Attribute, funcs map[string]function.Function) (cty.Value, hcl.Diagnostics) {
	declared := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		declared[a.Name] = true
	}

	known := map[string]cty.Value{}
	pending := attrs
	for len(pending) > 0 {
		var next []*hcl.Attribute
		for _, a := range pending {
			if !localsReady(a.Expr, declared, known) {
				next = append(next, a)
				continue
			}
			v, d := a.Expr.Value(localsContext(known, funcs))
			if d.HasErrors() {
				return cty.NilVal, d
			}
			known[a.Name] = v
		}
		if len(next) == len(pending) {
			a := next[0]
			if _, d := a.Expr.Value(localsContext(known, funcs)); d.HasErrors() {
				return cty.NilVal, d
			}
			return cty.NilVal, hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Cycle in local values",
				Detail:   fmt.Sprintf("Local %q depends on itself through other locals.", a.Name),
				Subject:  a.Range.Ptr(),
			}}
		}
		pending = next
	}
	return cty.ObjectVal(known), nil
}

func localsReady(expr hcl.Expression, declared map[string]bool, known map[string]cty.Value) bool {
	for _, tr := range expr.Variables() {
		if tr.RootName() != "local" || len(tr) < 2 {
			continue
		}
		attr, ok := tr[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		if _, done := known[attr.Name]; declared[attr.Name] && !done {
			return false
		}
	}
	return true
}

func localsContext(known map[string]cty.Value, funcs map[string]function.Function) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"local": cty.ObjectVal(known)},
		Functions: funcs,
	}
}

func sortedAttributes(attrs hcl.Attributes) []*hcl.Attribute {
	out := make([]*hcl.Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Byte < out[j].Range.Start.Byte })
	return out
}
