package unit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const maxRequestBody = 1 << 20

// HandlerSet is a routable collection of endpoint bindings exported by a unit.
type HandlerSet struct {
	Name   string
	Key    string // namespace key of the unit that produced it
	Routes []*Route
}

// Route is a single endpoint. Its response expressions are evaluated against
// the owning unit's locals and the incoming request.
type Route struct {
	Method  string
	Path    string
	Timeout time.Duration

	status      hcl.Expression
	headers     hcl.Expression
	body        hcl.Expression
	json        hcl.Expression
	contentType hcl.Expression

	unit *Context
}

var routerSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "route", LabelNames: []string{"method", "path"}},
	},
}

var routeSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "status"},
		{Name: "headers"},
		{Name: "body"},
		{Name: "json"},
		{Name: "content_type"},
		{Name: "timeout_ms"},
	},
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// requestType is the shape of the `request` variable seen by route expressions.
var requestType = cty.Object(map[string]cty.Type{
	"method":  cty.String,
	"path":    cty.String,
	"query":   cty.Map(cty.String),
	"headers": cty.Map(cty.String),
	"params":  cty.Map(cty.String),
	"body":    cty.String,
})

func decodeRouter(c *Context, name string, blk *hcl.Block) (*HandlerSet, hcl.Diagnostics) {
	content, diags := blk.Body.Content(routerSchema)
	if diags.HasErrors() {
		return nil, diags
	}

	hs := &HandlerSet{Name: name, Key: c.Key}
	seen := map[string]hcl.Range{}
	for _, rb := range content.Blocks {
		rt, d := decodeRoute(c, rb)
		if d.HasErrors() {
			return nil, d
		}
		id := rt.Method + " " + rt.Path
		if prev, dup := seen[id]; dup {
			return nil, hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Duplicate route",
				Detail:   fmt.Sprintf("Route %s was already declared at %s.", id, prev),
				Subject:  rb.DefRange.Ptr(),
			}}
		}
		seen[id] = rb.DefRange
		hs.Routes = append(hs.Routes, rt)
	}
	return hs, nil
}

func decodeRoute(c *Context, blk *hcl.Block) (*Route, hcl.Diagnostics) {
	rt := &Route{
		Method: strings.ToUpper(strings.TrimSpace(blk.Labels[0])),
		Path:   strings.TrimSpace(blk.Labels[1]),
		unit:   c,
	}
	invalid := func(summary, detail string) hcl.Diagnostics {
		return hcl.Diagnostics{{Severity: hcl.DiagError, Summary: summary, Detail: detail, Subject: blk.DefRange.Ptr()}}
	}

	if !allowedMethods[rt.Method] {
		return nil, invalid("Unsupported method", fmt.Sprintf("Method %q is not supported.", blk.Labels[0]))
	}
	if rt.Path == "" {
		return nil, invalid("Invalid route path", "The route path must not be empty.")
	}
	if !strings.HasPrefix(rt.Path, "/") {
		rt.Path = "/" + rt.Path
	}
	if rt.Path != "/" {
		rt.Path = path.Clean(rt.Path)
	}
	if err := validatePattern(rt.Method, rt.Path); err != nil {
		return nil, invalid("Invalid route path", err.Error())
	}

	content, diags := blk.Body.Content(routeSchema)
	if diags.HasErrors() {
		return nil, diags
	}
	attr := func(name string) hcl.Expression {
		if a, ok := content.Attributes[name]; ok {
			return a.Expr
		}
		return nil
	}
	rt.status = attr("status")
	rt.headers = attr("headers")
	rt.body = attr("body")
	rt.json = attr("json")
	rt.contentType = attr("content_type")

	if rt.body != nil && rt.json != nil {
		return nil, invalid("Conflicting response body", `Only one of "body" and "json" may be set.`)
	}

	if a, ok := content.Attributes["timeout_ms"]; ok {
		v, d := a.Expr.Value(c.loadContext())
		if d.HasErrors() {
			return nil, d
		}
		var ms int
		if err := gocty.FromCtyValue(v, &ms); err != nil || ms < 0 {
			return nil, hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Invalid timeout_ms",
				Detail:   "timeout_ms must be a non-negative whole number.",
				Subject:  a.Expr.Range().Ptr(),
			}}
		}
		rt.Timeout = time.Duration(ms) * time.Millisecond
	}

	if d := rt.dryRun(); d.HasErrors() {
		return nil, d
	}
	return rt, nil
}

// dryRun evaluates every response expression with an unknown request so
// that references to undefined locals, variables or functions fail at load.
func (rt *Route) dryRun() hcl.Diagnostics {
	ctx := rt.unit.evalContext(cty.UnknownVal(requestType))
	var diags hcl.Diagnostics
	checks := []struct {
		expr hcl.Expression
		want cty.Type
	}{
		{rt.status, cty.Number},
		{rt.headers, cty.Map(cty.String)},
		{rt.body, cty.String},
		{rt.json, cty.DynamicPseudoType},
		{rt.contentType, cty.String},
	}
	for _, chk := range checks {
		if chk.expr == nil {
			continue
		}
		v, d := chk.expr.Value(ctx)
		diags = append(diags, d...)
		if d.HasErrors() || chk.want == cty.DynamicPseudoType {
			continue
		}
		if _, err := convert.Convert(v, chk.want); err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Incorrect value type",
				Detail:   fmt.Sprintf("Expected %s: %s.", chk.want.FriendlyName(), err),
				Subject:  chk.expr.Range().Ptr(),
			})
		}
	}
	return diags
}

// ServeHTTP evaluates the route against r and writes the response.
func (rt *Route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := requestValue(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := rt.unit.evalContext(req)

	status := http.StatusOK
	if rt.status != nil {
		v, d := rt.status.Value(ctx)
		if d.HasErrors() {
			writeError(w, http.StatusInternalServerError, d.Error())
			return
		}
		if !v.IsNull() {
			n, err := convert.Convert(v, cty.Number)
			if err == nil {
				err = gocty.FromCtyValue(n, &status)
			}
			if err != nil || status < 100 || status > 999 {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("invalid status %s", v.GoString()))
				return
			}
		}
	}

	headers, err := rt.evalHeaders(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var payload []byte
	contentType := ""
	switch {
	case rt.json != nil:
		v, d := rt.json.Value(ctx)
		if d.HasErrors() {
			writeError(w, http.StatusInternalServerError, d.Error())
			return
		}
		if payload, err = marshalJSON(v); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		contentType = "application/json"
	case rt.body != nil:
		s, err := evalString(rt.body, ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload = []byte(s)
		contentType = "text/plain; charset=utf-8"
	}
	if rt.contentType != nil {
		s, err := evalString(rt.contentType, ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s != "" {
			contentType = s
		}
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if len(payload) > 0 && r.Method != http.MethodHead {
		_, _ = w.Write(payload)
	}
}

func (rt *Route) evalHeaders(ctx *hcl.EvalContext) (map[string]string, error) {
	if rt.headers == nil {
		return nil, nil
	}
	v, d := rt.headers.Value(ctx)
	if d.HasErrors() {
		return nil, d
	}
	if v.IsNull() {
		return nil, nil
	}
	v, err := convert.Convert(v, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	out := map[string]string{}
	for k, hv := range v.AsValueMap() {
		if hv.IsNull() {
			continue
		}
		out[k] = hv.AsString()
	}
	return out, nil
}

func evalString(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	v, d := expr.Value(ctx)
	if d.HasErrors() {
		return "", d
	}
	if v.IsNull() {
		return "", nil
	}
	v, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", err
	}
	return v.AsString(), nil
}

func marshalJSON(v cty.Value) ([]byte, error) {
	if v.IsNull() {
		return []byte("null"), nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("json value is not fully known")
	}
	return ctyjson.Marshal(v, v.Type())
}

func requestValue(r *http.Request) (cty.Value, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return cty.NilVal, fmt.Errorf("read body: %w", err)
		}
		if len(b) > maxRequestBody {
			return cty.NilVal, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
		}
		body = b
	}

	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	headers := map[string]string{}
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	params := map[string]string{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if k == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			params[k] = rctx.URLParams.Values[i]
		}
	}

	return cty.ObjectVal(map[string]cty.Value{
		"method":  cty.StringVal(r.Method),
		"path":    cty.StringVal(r.URL.Path),
		"query":   stringMap(query),
		"headers": stringMap(headers),
		"params":  stringMap(params),
		"body":    cty.StringVal(string(body)),
	}), nil
}

func stringMap(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.MapVal(vals)
}

// validatePattern registers the route on a scratch chi router; chi panics
// on malformed patterns.
func validatePattern(method, pattern string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	chi.NewRouter().Method(method, pattern, http.NotFoundHandler())
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
