package lua

import (
	"context"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultConditionTimeout bounds a single condition evaluation.
const DefaultConditionTimeout = 100 * time.Millisecond

// CheckCondition compiles expr without running it.
func CheckCondition(expr string) error {
	lState := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer lState.Close()
	if _, err := lState.LoadString(wrap(expr)); err != nil {
		return fmt.Errorf("condition %q: %w", expr, err)
	}
	return nil
}

// EvalCondition evaluates a Lua boolean expression such as
// `event.payload.amount > 100 and steps.create_task.status == "success"`.
// Each key of env becomes a global. Only the base, string, table and math
// libraries are available. nil and false are false; anything else is true.
func EvalCondition(ctx context.Context, expr string, env map[string]any) (bool, error) {
	lState := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer lState.Close()

	if err := openSafeLibs(lState); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultConditionTimeout)
	defer cancel()
	lState.SetContext(ctx)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lState.SetGlobal(k, toLValue(lState, env[k]))
	}

	if err := lState.DoString(wrap(expr)); err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	ret := lState.Get(-1)
	lState.Pop(1)
	return lua.LVAsBool(ret), nil
}

func wrap(expr string) string {
	return "return (" + expr + ")"
}

func openSafeLibs(lState *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := lState.CallByParam(lua.P{
			Fn:      lState.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open lua %s lib: %w", lib.name, err)
		}
	}
	// Conditions must not load code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		lState.SetGlobal(name, lua.LNil)
	}
	return nil
}

func toLValue(lState *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int32:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case map[string]any:
		tbl := lState.NewTable()
		for k, val := range t {
			tbl.RawSetString(k, toLValue(lState, val))
		}
		return tbl
	case map[string]string:
		tbl := lState.NewTable()
		for k, val := range t {
			tbl.RawSetString(k, lua.LString(val))
		}
		return tbl
	case []any:
		tbl := lState.NewTable()
		for _, val := range t {
			tbl.Append(toLValue(lState, val))
		}
		return tbl
	case []string:
		tbl := lState.NewTable()
		for _, val := range t {
			tbl.Append(lua.LString(val))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}
