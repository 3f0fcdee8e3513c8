package scripted

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"EmuHub/internal/ability"
)

const entryPoint = "hook"

// luaHook 在每次调用时创建独立的 LState，规则脚本只编译一次。
type luaHook struct {
	key   string
	proto *lua.FunctionProto
}

// Invoke 实现 ability.Hook。脚本中的 hook(ability, executor) 可以修改 executor 表中的
// command、payloads、cleanup 与 timeout；返回非空字符串表示失败。
func (h *luaHook) Invoke(ctx context.Context, ab *ability.Ability, ex *ability.Executor) (err error) {
	L := newState()
	defer L.Close()
	L.SetContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua hook %s panicked: %v", h.key, r)
		}
	}()

	L.Push(L.NewFunctionFromProto(h.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("load lua hook %s: %w", h.key, err)
	}
	fn, ok := L.GetGlobal(entryPoint).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("lua hook %s does not define %s(ability, executor)", h.key, entryPoint)
	}

	exTable := executorTable(L, ex)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, abilityTable(L, ab), exTable); err != nil {
		return fmt.Errorf("run lua hook %s: %w", h.key, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if msg, ok := ret.(lua.LString); ok && msg != "" {
		return errors.New(string(msg))
	}
	return readExecutor(exTable, ex)
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func abilityTable(L *lua.LState, ab *ability.Ability) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(ab.ID))
	t.RawSetString("name", lua.LString(ab.Name))
	t.RawSetString("tactic", lua.LString(ab.Tactic))
	t.RawSetString("technique", lua.LString(ab.Technique))
	t.RawSetString("plugin", lua.LString(ab.Plugin))
	info := L.NewTable()
	for k, v := range ab.AdditionalInfo {
		info.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("additional_info", info)
	return t
}

func executorTable(L *lua.LState, ex *ability.Executor) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(ex.Name))
	t.RawSetString("platform", lua.LString(ex.Platform))
	t.RawSetString("command", lua.LString(ex.Command))
	t.RawSetString("timeout", lua.LNumber(ex.Timeout))
	t.RawSetString("payloads", stringList(L, ex.Payloads))
	t.RawSetString("cleanup", stringList(L, ex.Cleanup))
	return t
}

func stringList(L *lua.LState, values []string) *lua.LTable {
	t := L.CreateTable(len(values), 0)
	for _, v := range values {
		t.Append(lua.LString(v))
	}
	return t
}

func readExecutor(t *lua.LTable, ex *ability.Executor) error {
	cmd, ok := t.RawGetString("command").(lua.LString)
	if !ok {
		return errors.New("executor.command must be a string")
	}
	payloads, err := readList(t, "payloads")
	if err != nil {
		return err
	}
	cleanup, err := readList(t, "cleanup")
	if err != nil {
		return err
	}
	timeout, ok := t.RawGetString("timeout").(lua.LNumber)
	if !ok {
		return errors.New("executor.timeout must be a number")
	}
	ex.Command = string(cmd)
	ex.Payloads = payloads
	ex.Cleanup = cleanup
	ex.Timeout = int(timeout)
	return nil
}

func readList(t *lua.LTable, field string) ([]string, error) {
	v := t.RawGetString(field)
	if v == lua.LNil {
		return nil, nil
	}
	list, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("executor.%s must be a list", field)
	}
	var out []string
	var bad error
	n := list.Len()
	for i := 1; i <= n; i++ {
		s, ok := list.RawGetInt(i).(lua.LString)
		if !ok {
			bad = fmt.Errorf("executor.%s[%d] must be a string", field, i)
			break
		}
		out = append(out, string(s))
	}
	return out, bad
}
