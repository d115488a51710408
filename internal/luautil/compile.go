// Package luautil holds the gopher-lua plumbing shared by script runtimes:
// compilation, sandboxed VM construction and helper modules.
package luautil

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// CompileScript parses and compiles a Lua source string into a FunctionProto.
func CompileScript(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}

// NewState returns a VM with only the safe standard libraries and the
// helper modules loaded. No io, os or package access is available.
func NewState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	RegisterAll(L)
	return L
}

// Load runs proto on a fresh state so the globals it defines are ready.
func Load(proto *lua.FunctionProto) (*lua.LState, error) {
	L := NewState()
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, err
	}
	return L, nil
}
