package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"github.com/joeydtaylor/steeze-hotload/pkg/storage"
	"github.com/joeydtaylor/steeze-hotload/pkg/transport/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const exampleUnit = `
router "router" {
  route "GET" "/hello" {
    json = { message = "Hello from the example service!" }
  }
}
`

type fakeSyncer struct {
	fn func(ctx context.Context) ([]string, error)
}

func (f fakeSyncer) FetchBatch(ctx context.Context) ([]string, error) { return f.fn(ctx) }

type fakeCommitter struct {
	mu    sync.Mutex
	paths [][]string
	msgs  []string
	err   error
}

func (f *fakeCommitter) Commit(_ context.Context, paths []string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, paths)
	f.msgs = append(f.msgs, msg)
	return f.err
}

type env struct {
	fs      afero.Fs
	store   *storage.Store
	loader  *core.Loader
	handler http.Handler
	admin   *Handler
}

func newEnv(t *testing.T, files map[string]string, mod func(*Deps)) *env {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for p, body := range files {
		require.NoError(t, afero.WriteFile(fsys, "/modules/"+p, []byte(body), 0o644))
	}
	log := zap.NewNop()
	m := namespace.New("", "", "")
	st := storage.New(fsys, "/modules", m)
	surface := httpx.NewSurface(ReservedPrefixes, log)
	reg := core.NewRegistry(surface, log)
	ld := core.NewLoader(m, st, reg, log)

	d := Deps{Loader: ld, Reconciler: core.NewReconciler(ld, st, log), Store: st, Log: log}
	if mod != nil {
		mod(&d)
	}
	admin := New(d)
	h := BuildRouter(BuildDeps{Router: httpx.NewChi(), Admin: admin, Surface: surface})
	return &env{fs: fsys, store: st, loader: ld, handler: h, admin: admin}
}

func (e *env) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(rec.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func uploadRequest(t *testing.T, dir, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if dir != "" {
		require.NoError(t, mw.WriteField("dir", dir))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func warnings(body map[string]any) string {
	ws, _ := body["warnings"].([]any)
	var parts []string
	for _, w := range ws {
		parts = append(parts, w.(string))
	}
	return strings.Join(parts, "\n")
}

func TestUpload_MountsAndServes(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, uploadRequest(t, "", "example_service.hcl", exampleUnit))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "example_service.hcl", body["filename"])
	require.Contains(t, body["message"], "loaded successfully")

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/example_service/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Hello from the example service!"}`, rec.Body.String())

	rec, body = e.do(t, uploadRequest(t, "billing", "invoices.hcl", exampleUnit))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "billing/invoices.hcl", body["filename"])
	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/billing/invoices/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, body := e.do(t, uploadRequest(t, "", "notes.txt", "hello"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, body["detail"], "Only .hcl files")

	rec, _ = e.do(t, uploadRequest(t, "bad dir", "x.hcl", exampleUnit))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, uploadRequest(t, "", "broken.hcl", `router "r" {`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, body["message"], "Failed to upload")
	ok, err := e.store.Exists(context.Background(), "broken.hcl")
	require.NoError(t, err)
	require.False(t, ok, "failed upload must not leave a file behind")

	// reserved by the admin API
	rec, _ = e.do(t, uploadRequest(t, "files", "x.hcl", exampleUnit))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpload_NoHandlerSetIsKept(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, body := e.do(t, uploadRequest(t, "", "lib.hcl", "locals {\n  a = 1\n}\n"))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, body["message"], "no handler set")
	ok, err := e.store.Exists(context.Background(), "lib.hcl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFiles_ListAndGet(t *testing.T) {
	e := newEnv(t, map[string]string{
		"a.hcl":   exampleUnit,
		"b/c.hcl": exampleUnit,
		"d.txt":   "ignored",
	}, nil)

	rec, _ := e.do(t, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["a.hcl","b/c.hcl"]`, rec.Body.String())

	rec, body := e.do(t, httptest.NewRequest(http.MethodGet, "/files/b/c.hcl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "b/c.hcl", body["filename"])
	require.Equal(t, exampleUnit, body["content"])

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/files/missing.hcl", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/files/d.txt", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFiles_EmptyList(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, _ := e.do(t, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestFiles_SaveReportsRestart(t *testing.T) {
	e := newEnv(t, map[string]string{"svc.hcl": exampleUnit}, nil)
	require.Equal(t, core.Mounted, e.loader.Load(context.Background(), "svc.hcl").Kind)

	edited := strings.Replace(exampleUnit, "Hello from", "Goodbye from", 1)
	req := httptest.NewRequest(http.MethodPost, "/files/svc.hcl", strings.NewReader(`{"content":`+strings.TrimSpace(mustJSON(t, edited))+`}`))
	req.Header.Set("Content-Type", "application/json")
	rec, body := e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, warnings(body), "until the process restarts")

	b, err := e.store.Read(context.Background(), "svc.hcl")
	require.NoError(t, err)
	require.Equal(t, edited, string(b))

	// the first registration keeps serving
	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/svc/hello", nil))
	require.Contains(t, rec.Body.String(), "Hello from")

	// query-parameter form
	q := url.Values{"content": {exampleUnit}}
	rec, _ = e.do(t, httptest.NewRequest(http.MethodPost, "/files/svc.hcl?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFiles_SaveErrors(t *testing.T) {
	e := newEnv(t, map[string]string{"svc.hcl": exampleUnit}, nil)

	rec, _ := e.do(t, httptest.NewRequest(http.MethodPost, "/files/absent.hcl", strings.NewReader(`{"content":""}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodPost, "/files/svc.hcl", strings.NewReader(`{"content":"","extra":1}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodPost, "/files/svc.hcl", strings.NewReader(`{"content":"router \"r\" {"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	ok, err := e.store.Exists(context.Background(), "svc.hcl")
	require.NoError(t, err)
	require.True(t, ok, "failed edit keeps the existing file")
}

func TestFiles_Delete(t *testing.T) {
	e := newEnv(t, map[string]string{"svc.hcl": exampleUnit}, nil)
	require.Equal(t, core.Mounted, e.loader.Load(context.Background(), "svc.hcl").Kind)

	rec, body := e.do(t, httptest.NewRequest(http.MethodDelete, "/files/svc.hcl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, warnings(body), "until the process restarts")

	rec, _ = e.do(t, httptest.NewRequest(http.MethodDelete, "/files/svc.hcl", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodDelete, "/files/x.txt", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesAndReconcile(t *testing.T) {
	e := newEnv(t, map[string]string{
		"a.hcl":   exampleUnit,
		"b/c.hcl": exampleUnit,
		"bad.hcl": `router "r" {`,
	}, nil)

	rec, body := e.do(t, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	require.Equal(t, float64(2), summary["mounted"])
	require.Equal(t, float64(1), summary["failed"])

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/routes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var routes []struct {
		Prefix string   `json:"prefix"`
		Path   string   `json:"path"`
		Routes []string `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 2)
	require.Equal(t, "/a", routes[0].Prefix)
	require.Equal(t, []string{"GET /a/hello"}, routes[0].Routes)
	require.Equal(t, "b/c.hcl", routes[1].Path)
}

func TestSync(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, _ := e.do(t, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var fs afero.Fs
	e = newEnv(t, nil, func(d *Deps) {
		d.Syncer = fakeSyncer{fn: func(context.Context) ([]string, error) {
			if err := afero.WriteFile(fs, "/modules/pulled.hcl", []byte(exampleUnit), 0o644); err != nil {
				return nil, err
			}
			return []string{"pulled.hcl", "README.md"}, nil
		}}
	})
	fs = e.fs

	rec, body := e.do(t, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(1), body["summary"].(map[string]any)["mounted"])

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/pulled/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSync_Failure(t *testing.T) {
	e := newEnv(t, nil, func(d *Deps) {
		d.Syncer = fakeSyncer{fn: func(context.Context) ([]string, error) {
			return nil, &core.ExternalSyncError{Op: "fetch", Err: errors.New("remote unreachable")}
		}}
	})
	rec, body := e.do(t, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, body["detail"], "remote unreachable")

	_, err := e.admin.Sync(context.Background())
	require.ErrorIs(t, err, core.ErrExternalSync)
}

func TestCommitOnWrite(t *testing.T) {
	c := &fakeCommitter{}
	e := newEnv(t, nil, func(d *Deps) { d.Committer = c })

	rec, _ := e.do(t, uploadRequest(t, "billing", "invoices.hcl", exampleUnit))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = e.do(t, httptest.NewRequest(http.MethodDelete, "/files/billing/invoices.hcl", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []string{"upload billing/invoices.hcl", "delete billing/invoices.hcl"}, c.msgs)
	require.Equal(t, []string{"billing/invoices.hcl", "billing/_package.hcl"}, c.paths[0])

	c.err = errors.New("nothing to commit")
	rec, body := e.do(t, uploadRequest(t, "", "solo.hcl", exampleUnit))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, warnings(body), "commit failed")
}

func TestIndexAndReservedPaths(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, _ := e.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<title>steeze-hotload</title>")

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&core.InvalidPathError{Path: "x"}, http.StatusBadRequest},
		{&core.NotFoundError{Path: "x"}, http.StatusNotFound},
		{&core.MountConflictError{Prefix: "/x"}, http.StatusConflict},
		{&core.ExecutionError{Path: "x", Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{&core.NoHandlerSetError{Path: "x"}, http.StatusUnprocessableEntity},
		{&core.ExternalSyncError{Op: "pull", Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func mustJSON(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestUnitTrafficLabelledByRoutePattern(t *testing.T) {
	const items = `
router "router" {
  route "GET" "/{id}" {
    body = "item ${request.params.id}"
  }
}
`
	e := newEnv(t, map[string]string{"catalog/items.hcl": items}, nil)
	res := e.loader.Load(context.Background(), "catalog/items.hcl")
	require.Equal(t, core.Mounted, res.Kind, res.Message())

	before := uriCounts(t, "/catalog/items")
	for i := 0; i < 5; i++ {
		rec, _ := e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/catalog/items/%d", i), nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, fmt.Sprintf("item %d", i), rec.Body.String())
	}
	after := uriCounts(t, "/catalog/items")
	require.Len(t, after, 1, "uri labels: %v", after)
	require.Equal(t, before["/catalog/items/{id}"]+5, after["/catalog/items/{id}"])
}

// uriCounts sums total_http_requests_to_uri by uri label for labels under prefix.
func uriCounts(t *testing.T, prefix string) map[string]float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "total_http_requests_to_uri" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "uri" && strings.HasPrefix(l.GetValue(), prefix) {
					out[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}
