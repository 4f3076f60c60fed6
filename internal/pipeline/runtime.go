// Package pipeline executes Lua orchestration scripts in a sandboxed
// environment. A script defines a `pipeline(prompt)` function and
// chains tasks with run{...}; every task goes through the ordinary
// executor contract, so state, log, and monitoring semantics hold per
// task.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/foundermode/drover/internal/executor"
	"github.com/foundermode/drover/internal/models"
)

// Runner starts one task; satisfied by *executor.Executor.
type Runner interface {
	Start(ctx context.Context, task executor.Task) (*models.ExecutionState, error)
}

type Runtime struct {
	runner           Runner
	workDir          string
	maxIterations    int
	completionMarker string
	logs             []string

	failReason string
	isFailed   bool
}

// NewRuntime creates a runtime whose run{} calls inherit the given
// defaults unless the script overrides them per task.
func NewRuntime(runner Runner, workDir string, maxIterations int, completionMarker string) *Runtime {
	return &Runtime{
		runner:           runner,
		workDir:          workDir,
		maxIterations:    maxIterations,
		completionMarker: completionMarker,
		logs:             make([]string, 0),
	}
}

// Execute runs the pipeline script with the given prompt.
func (r *Runtime) Execute(ctx context.Context, scriptPath, prompt string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(ctx, L)

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("pipeline")
	if fn == lua.LNil {
		return fmt.Errorf("script must define a 'pipeline' function")
	}

	L.Push(fn)
	L.Push(lua.LString(prompt))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isFailed {
			return fmt.Errorf("pipeline failed: %s", r.failReason)
		}
		return fmt.Errorf("pipeline execution failed: %w", err)
	}

	if r.isFailed {
		return fmt.Errorf("pipeline failed: %s", r.failReason)
	}
	return nil
}

// openSafeLibs loads only the deterministic standard libraries.
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(ctx context.Context, L *lua.LState) {
	L.SetGlobal("run", L.NewFunction(func(L *lua.LState) int {
		return r.luaRun(ctx, L)
	}))
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaRun implements run{id=, prompt=, max_iterations=, marker=, dir=}.
// It returns a table {status, iterations, next_steps}.
func (r *Runtime) luaRun(ctx context.Context, L *lua.LState) int {
	tbl := L.CheckTable(1)

	id := stringField(L, tbl, "id")
	promptText := stringField(L, tbl, "prompt")
	if id == "" || promptText == "" {
		L.RaiseError("run{} requires 'id' and 'prompt'")
		return 0
	}

	task := executor.Task{
		ID:               id,
		Prompt:           promptText,
		WorkDir:          r.workDir,
		MaxIterations:    r.maxIterations,
		CompletionMarker: r.completionMarker,
	}
	if dir := stringField(L, tbl, "dir"); dir != "" {
		task.WorkDir = dir
	}
	if marker := stringField(L, tbl, "marker"); marker != "" {
		task.CompletionMarker = marker
	}
	if n := intField(L, tbl, "max_iterations"); n > 0 {
		task.MaxIterations = n
	}

	state, err := r.runner.Start(ctx, task)
	if err != nil && state == nil {
		L.RaiseError("failed to run task %s: %v", id, err)
		return 0
	}

	L.Push(r.stateToTable(L, state))
	return 1
}

func (r *Runtime) stateToTable(L *lua.LState, state *models.ExecutionState) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(state.ID))
	L.SetField(tbl, "status", lua.LString(string(state.Status)))
	L.SetField(tbl, "iterations", lua.LNumber(state.Iteration))

	steps := L.NewTable()
	for i, step := range state.SuggestedNextSteps {
		L.SetTable(steps, lua.LNumber(i+1), lua.LString(step))
	}
	L.SetField(tbl, "next_steps", steps)

	return tbl
}

// luaFail implements fail(reason?): stops the pipeline.
func (r *Runtime) luaFail(L *lua.LState) int {
	reason := L.OptString(1, "pipeline stopped")
	r.failReason = reason
	r.isFailed = true
	L.RaiseError("fail: %s", reason)
	return 0
}

// luaLog implements log(message).
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	return 0
}

// GetLogs returns messages collected through log().
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsPipelineScript checks if a file is a Lua pipeline script.
func IsPipelineScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}

func stringField(L *lua.LState, tbl *lua.LTable, key string) string {
	if v, ok := L.GetField(tbl, key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func intField(L *lua.LState, tbl *lua.LTable, key string) int {
	if v, ok := L.GetField(tbl, key).(lua.LNumber); ok {
		return int(v)
	}
	return 0
}
