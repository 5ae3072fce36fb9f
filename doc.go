// Package enclave provides a capability-restricted WebAssembly execution
// engine for running untrusted guest code with deterministic resource
// accounting and session-scoped state continuity.
//
// # Overview
//
// enclave hosts one WASM interpreter per guest language (Python, JavaScript)
// as an opaque, versioned artifact. Every execution runs in a fresh, isolated
// runtime instance under a fuel budget, a memory ceiling, and a wall-clock
// timeout. Filesystem access is scoped to exactly one read-write session
// working directory plus read-only shared mounts; nothing else is reachable.
//
// # Basic Usage
//
//	cfg := config.DefaultConfig()
//	reg, _ := runtime.LoadAll(cfg.Runtimes)
//
//	mgr, _ := session.NewManager(reg, cfg)
//	defer mgr.Close()
//
//	res, _ := mgr.Execute(ctx, session.ExecuteRequest{
//	    Language: "python",
//	    Code:     `print("hello")`,
//	})
//	fmt.Println(res.Stdout)
//
// # Sessions
//
// Sessions persist a guest-side state container across executions:
//
//	info, _ := mgr.CreateSession(ctx, session.CreateRequest{Language: "python"})
//	mgr.Execute(ctx, session.ExecuteRequest{SessionID: info.ID, Code: `state["x"] = 42`})
//	mgr.Execute(ctx, session.ExecuteRequest{SessionID: info.ID, Code: `print(state["x"])`}) // 42
//
// Each execution still uses an isolated runtime instance; continuity comes
// from the session's on-disk state file, restored and saved by the wrapper.
//
// # Failure Reporting
//
// Executions never raise for guest failure. Traps (fuel exhaustion, memory
// ceiling, timeout, path restriction) and nonzero exits are encoded in the
// result and annotated by the classifier under the "error_guidance" and
// "fuel_analysis" metadata keys.
//
// See the runtime, capability, wrapper, engine, classify, and session
// packages for detailed API documentation.
package enclave
