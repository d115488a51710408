package luautil

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/pattern"
)

// RegisterAll installs the helper modules available to middleware scripts.
func RegisterAll(L *lua.LState) {
	register(L, "json", map[string]lua.LGFunction{
		"encode": jsonEncode,
		"decode": jsonDecode,
	})
	register(L, "base64", map[string]lua.LGFunction{
		"encode":     codec{base64.StdEncoding}.encode,
		"decode":     codec{base64.StdEncoding}.decode,
		"url_encode": codec{base64.RawURLEncoding}.encode,
		"url_decode": codec{base64.RawURLEncoding}.decode,
	})
	register(L, "url", map[string]lua.LGFunction{
		"encode": urlEncode,
		"decode": urlDecode,
		"parse":  urlParse,
		"query":  urlQuery,
	})
	register(L, "re", map[string]lua.LGFunction{
		"match":  reMatch,
		"find":   reFind,
		"groups": reGroups,
	})
	register(L, "log", map[string]lua.LGFunction{
		"debug": logAt(zapcore.DebugLevel),
		"info":  logAt(zapcore.InfoLevel),
		"warn":  logAt(zapcore.WarnLevel),
		"error": logAt(zapcore.ErrorLevel),
	})
}

func register(L *lua.LState, name string, fns map[string]lua.LGFunction) {
	L.SetGlobal(name, L.SetFuncs(L.NewTable(), fns))
}

func jsonEncode(L *lua.LState) int {
	data, err := json.Marshal(toGo(L.CheckAny(1)))
	if err != nil {
		L.ArgError(1, "json encode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.ArgError(1, "json decode: "+err.Error())
		return 0
	}
	L.Push(toLua(L, v))
	return 1
}

// toGo converts a Lua value into the shapes encoding/json understands.
// Tables with a non-empty array part become slices, others string-keyed maps.
func toGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if n := t.MaxN(); n > 0 {
			out := make([]any, n)
			for i := range out {
				out[i] = toGo(t.RawGetInt(i + 1))
			}
			return out
		}
		out := map[string]any{}
		t.ForEach(func(k, val lua.LValue) {
			if key, ok := k.(lua.LString); ok {
				out[string(key)] = toGo(val)
			}
		})
		return out
	}
	return v.String()
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(t))
		for k, item := range t {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	}
	return lua.LNil
}

type codec struct{ enc *base64.Encoding }

func (c codec) encode(L *lua.LState) int {
	L.Push(lua.LString(c.enc.EncodeToString([]byte(L.CheckString(1)))))
	return 1
}

func (c codec) decode(L *lua.LState) int {
	data, err := c.enc.DecodeString(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "base64 decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

// urlEncode escapes a query component with %20 for spaces, matching the
// encoding the routing pipeline uses for rewritten URLs.
func urlEncode(L *lua.LState) int {
	L.Push(lua.LString(strings.ReplaceAll(url.QueryEscape(L.CheckString(1)), "+", "%20")))
	return 1
}

func urlDecode(L *lua.LState) int {
	s, err := url.QueryUnescape(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "url decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(s))
	return 1
}

// urlParse splits a URL into {scheme, host, path, query}. Repeated query
// keys map to arrays, single ones to strings.
func urlParse(L *lua.LState) int {
	u, err := url.Parse(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	tbl := L.NewTable()
	tbl.RawSetString("scheme", lua.LString(u.Scheme))
	tbl.RawSetString("host", lua.LString(u.Host))
	tbl.RawSetString("path", lua.LString(u.EscapedPath()))
	tbl.RawSetString("query", queryTable(L, u.Query()))
	L.Push(tbl)
	return 1
}

func queryTable(L *lua.LState, q url.Values) *lua.LTable {
	tbl := L.CreateTable(0, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			tbl.RawSetString(k, lua.LString(vs[0]))
			continue
		}
		arr := L.CreateTable(len(vs), 0)
		for _, v := range vs {
			arr.Append(lua.LString(v))
		}
		tbl.RawSetString(k, arr)
	}
	return tbl
}

// urlQuery is the inverse of the query table produced by parse.
func urlQuery(L *lua.LState) int {
	q := url.Values{}
	L.CheckTable(1).ForEach(func(k, v lua.LValue) {
		key := k.String()
		if arr, ok := v.(*lua.LTable); ok {
			for i := 1; i <= arr.MaxN(); i++ {
				q.Add(key, arr.RawGetInt(i).String())
			}
			return
		}
		q.Add(key, v.String())
	})
	L.Push(lua.LString(event.EncodeQuery(q)))
	return 1
}

func checkRegex(L *lua.LState, fn string) *pattern.Regex {
	re, err := pattern.Compile(L.CheckString(1))
	if err != nil {
		L.ArgError(1, fn+": "+err.Error())
		return nil
	}
	return re
}

func reMatch(L *lua.LState) int {
	re := checkRegex(L, "re match")
	L.Push(lua.LBool(re.MatchString(L.CheckString(2))))
	return 1
}

// reFind returns the first match or nil.
func reFind(L *lua.LState) int {
	re := checkRegex(L, "re find")
	subs, ok := re.Submatches(L.CheckString(2))
	if len(subs) == 0 || !ok[0] {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(subs[0]))
	return 1
}

// reGroups returns a table of the named groups of the first match, or nil.
func reGroups(L *lua.LState) int {
	re := checkRegex(L, "re groups")
	groups, matched := re.NamedGroups(L.CheckString(2))
	if !matched {
		L.Push(lua.LNil)
		return 1
	}
	tbl := L.NewTable()
	for k, v := range groups {
		L.SetField(tbl, k, lua.LString(v))
	}
	L.Push(tbl)
	return 1
}

// logAt logs the message in argument 1. An optional table in argument 2
// is attached as structured fields.
func logAt(level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		var fields []zap.Field
		if extra, ok := L.Get(2).(*lua.LTable); ok {
			var keys []string
			extra.ForEach(func(k, _ lua.LValue) {
				if s, ok := k.(lua.LString); ok {
					keys = append(keys, string(s))
				}
			})
			sort.Strings(keys)
			for _, k := range keys {
				fields = append(fields, zap.Any(k, toGo(extra.RawGetString(k))))
			}
		}
		fields = append(fields, zap.String("source", "middleware"))
		if ce := logging.Global().Check(level, msg); ce != nil {
			ce.Write(fields...)
		}
		return 0
	}
}
