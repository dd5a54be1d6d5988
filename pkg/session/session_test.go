package session

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/wasmkit/windlass/pkg/codegen"
	"github.com/wasmkit/windlass/pkg/irparse"
	"github.com/wasmkit/windlass/pkg/masm"
)

const demo = `
module demo
import env log (i32) -> ()

func double (i32) -> (i32)
  local.get 0
  local.get 0
  i32.add
end

func run (i32, i32) -> (i32)
  local.get 0
  call 0          ; env.log
  local.get 0
  call 1          ; double, after the one import
  local.get 1
  i32.div_u
end
`

func TestCompileModuleAggregates(t *testing.T) {
	m, err := irparse.ParseString(demo)
	require.NoError(t, err)

	art, err := Compile(m, Options{})
	require.NoError(t, err)

	require.Equal(t, uint32(0), art.FuncOffsets["double"])
	require.Contains(t, art.FuncOffsets, "run")
	require.Greater(t, art.FuncOffsets["run"], art.FuncOffsets["double"])

	require.Len(t, art.Relocs, 1)
	require.Equal(t, masm.RelocFuncCall, art.Relocs[0].Kind)
	require.Equal(t, "env.log", art.Relocs[0].Target)
	require.Equal(t, "run", art.Relocs[0].Pos.Func)

	require.Len(t, art.Traps, 1)
	require.Equal(t, masm.TrapDivByZero, art.Traps[0].Kind)
	require.Equal(t, "run", art.Traps[0].Pos.Func)

	require.Contains(t, art.Listing, `call.func "env.log"`)
	require.NotEmpty(t, art.Code)
}

func TestCompileErrorNamesFunction(t *testing.T) {
	m, err := irparse.ParseString(`
func ok () -> ()
end

func bad () -> ()
  br 5
end
`)
	require.NoError(t, err)

	_, err = Compile(m, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, codegen.ErrBadBranchDepth), "got %v", err)
	require.Contains(t, err.Error(), `function "bad"`)
}
