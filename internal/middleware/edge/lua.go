package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/wudi/edgeroute/internal/luautil"
)

// EntryPoint is the global function a middleware script must define.
const EntryPoint = "middleware"

// LuaFunc runs a script defining middleware(req, res, ctx). VMs are
// pooled; each VM runs one call at a time.
type LuaFunc struct {
	name  string
	proto *lua.FunctionProto
	idle  chan *lua.LState
}

// LoadLua compiles the script at path.
func LoadLua(path string, poolSize int) (*LuaFunc, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read middleware script: %w", err)
	}
	return NewLua(string(src), filepath.Base(path), poolSize)
}

// NewLua compiles source and checks that it defines the entry point.
func NewLua(source, name string, poolSize int) (*LuaFunc, error) {
	proto, err := luautil.CompileScript(source, name)
	if err != nil {
		return nil, err
	}
	L, err := luautil.Load(proto)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	if L.GetGlobal(EntryPoint).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("%s does not define %s(req, res, ctx)", name, EntryPoint)
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	f := &LuaFunc{name: name, proto: proto, idle: make(chan *lua.LState, poolSize)}
	f.put(L)
	return f, nil
}

func (f *LuaFunc) get() (*lua.LState, error) {
	select {
	case L := <-f.idle:
		return L, nil
	default:
		return luautil.Load(f.proto)
	}
}

func (f *LuaFunc) put(L *lua.LState) {
	L.SetTop(0)
	select {
	case f.idle <- L:
	default:
		L.Close()
	}
}

// Close releases the idle VMs.
func (f *LuaFunc) Close() {
	for {
		select {
		case L := <-f.idle:
			L.Close()
		default:
			return
		}
	}
}

// Run calls the entry point. Functions passed to ctx:wait_until run on the
// same VM once the collector executes them; the VM returns to the pool
// afterwards.
func (f *LuaFunc) Run(ctx context.Context, req *Request, scope *Scope) (*Response, error) {
	L, err := f.get()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	call := &luaCall{req: req, scope: scope, res: &luaResponse{headers: http.Header{}}}

	L.SetContext(ctx)
	err = L.CallByParam(lua.P{Fn: L.GetGlobal(EntryPoint), NRet: 0, Protect: true},
		newRequestUserData(L, call),
		newResponseUserData(L, call),
		newContextUserData(L, call),
	)
	L.RemoveContext()
	if err != nil {
		f.put(L)
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}

	if len(call.deferred) == 0 || scope == nil || scope.bg == nil {
		f.put(L)
		return call.res.build(), nil
	}
	fns := call.deferred
	scope.WaitUntil(func(ctx context.Context) error {
		defer f.put(L)
		L.SetContext(ctx)
		defer L.RemoveContext()
		var errs []error
		for _, fn := range fns {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				errs = append(errs, fmt.Errorf("%s wait_until: %w", f.name, err))
			}
		}
		return errors.Join(errs...)
	})
	return call.res.build(), nil
}

type luaCall struct {
	req      *Request
	scope    *Scope
	res      *luaResponse
	deferred []*lua.LFunction
}

type luaResponse struct {
	mode    string // next, rewrite, redirect, respond
	status  int
	target  string
	headers http.Header
	body    []byte
}

func (r *luaResponse) build() *Response {
	out := &Response{StatusCode: r.status, Headers: r.headers, Body: r.body}
	switch r.mode {
	case "rewrite":
		out.Headers.Set(HeaderRewrite, r.target)
	case "redirect":
		out.Headers.Set("Location", r.target)
		if out.StatusCode == 0 {
			out.StatusCode = http.StatusTemporaryRedirect
		}
	case "respond":
	default:
		out.Headers.Set(HeaderNext, "1")
	}
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	return out
}

func newUserData(L *lua.LState, call *luaCall, methods map[string]lua.LGFunction) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = call
	mt := L.NewTable()
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), methods))
	L.SetMetatable(ud, mt)
	return ud
}

func checkCall(L *lua.LState) *luaCall {
	ud := L.CheckUserData(1)
	if c, ok := ud.Value.(*luaCall); ok {
		return c
	}
	L.ArgError(1, "middleware object expected")
	return nil
}

func newRequestUserData(L *lua.LState, call *luaCall) *lua.LUserData {
	return newUserData(L, call, map[string]lua.LGFunction{
		"method": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).req.Method))
			return 1
		},
		"url": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).req.URL.String()))
			return 1
		},
		"path": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).req.URL.EscapedPath()))
			return 1
		},
		"query": func(L *lua.LState) int {
			c := checkCall(L)
			L.Push(lua.LString(c.req.URL.Query().Get(L.CheckString(2))))
			return 1
		},
		"header": func(L *lua.LState) int {
			c := checkCall(L)
			L.Push(lua.LString(c.req.Headers.Get(L.CheckString(2))))
			return 1
		},
		"headers": func(L *lua.LState) int {
			c := checkCall(L)
			tbl := L.NewTable()
			for k := range c.req.Headers {
				L.SetField(tbl, k, lua.LString(c.req.Headers.Get(k)))
			}
			L.Push(tbl)
			return 1
		},
		"cookie": func(L *lua.LState) int {
			c := checkCall(L)
			if v, ok := c.scope.Cookies.Get(L.CheckString(2)); ok {
				L.Push(lua.LString(v))
			} else {
				L.Push(lua.LNil)
			}
			return 1
		},
		"ip": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).req.IP))
			return 1
		},
		"body": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).req.Body))
			return 1
		},
	})
}

func newResponseUserData(L *lua.LState, call *luaCall) *lua.LUserData {
	return newUserData(L, call, map[string]lua.LGFunction{
		"next": func(L *lua.LState) int {
			checkCall(L).res.mode = "next"
			return 0
		},
		"rewrite": func(L *lua.LState) int {
			c := checkCall(L)
			c.res.mode, c.res.target = "rewrite", L.CheckString(2)
			return 0
		},
		"redirect": func(L *lua.LState) int {
			c := checkCall(L)
			c.res.mode, c.res.target = "redirect", L.CheckString(2)
			c.res.status = L.OptInt(3, http.StatusTemporaryRedirect)
			return 0
		},
		"respond": func(L *lua.LState) int {
			c := checkCall(L)
			c.res.mode = "respond"
			c.res.status = L.CheckInt(2)
			c.res.body = []byte(L.OptString(3, ""))
			return 0
		},
		"set_status": func(L *lua.LState) int {
			checkCall(L).res.status = L.CheckInt(2)
			return 0
		},
		"set_header": func(L *lua.LState) int {
			checkCall(L).res.headers.Set(L.CheckString(2), L.CheckString(3))
			return 0
		},
		"set_request_header": func(L *lua.LState) int {
			checkCall(L).res.headers.Set(HeaderRequestPrefix+L.CheckString(2), L.CheckString(3))
			return 0
		},
		"set_cookie": func(L *lua.LState) int {
			c := checkCall(L)
			ck := &http.Cookie{Name: L.CheckString(2), Value: L.CheckString(3), Path: "/", MaxAge: L.OptInt(4, 0)}
			if err := c.scope.Cookies.Set(ck); err != nil {
				L.RaiseError("%s", err.Error())
			}
			return 0
		},
		"delete_cookie": func(L *lua.LState) int {
			c := checkCall(L)
			if err := c.scope.Cookies.Delete(L.CheckString(2)); err != nil {
				L.RaiseError("%s", err.Error())
			}
			return 0
		},
	})
}

func newContextUserData(L *lua.LState, call *luaCall) *lua.LUserData {
	return newUserData(L, call, map[string]lua.LGFunction{
		"request_id": func(L *lua.LState) int {
			L.Push(lua.LString(checkCall(L).scope.RequestID))
			return 1
		},
		"geo": func(L *lua.LState) int {
			g := checkCall(L).scope.Geo
			tbl := L.NewTable()
			L.SetField(tbl, "country", lua.LString(g.Country))
			L.SetField(tbl, "region", lua.LString(g.Region))
			L.SetField(tbl, "city", lua.LString(g.City))
			L.SetField(tbl, "latitude", lua.LString(g.Latitude))
			L.SetField(tbl, "longitude", lua.LString(g.Longitude))
			L.Push(tbl)
			return 1
		},
		"wait_until": func(L *lua.LState) int {
			c := checkCall(L)
			c.deferred = append(c.deferred, L.CheckFunction(2))
			return 0
		},
	})
}
