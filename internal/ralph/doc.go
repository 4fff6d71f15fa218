// Package ralph implements the iterative execution loop.
//
// A loop invokes an agent once per iteration, checks the output for the
// dual-gate completion signal, runs backpressure validation, and records an
// iteration row. It stops when both gates and validation pass (complete),
// when the iteration cap is reached (max_reached), after too many
// consecutive agent failures or any timeout (failed), or when cancelled at
// an iteration boundary (cancelled).
//
// # Basic Usage
//
//	loop := &ralph.Loop{
//	    Store:     store,
//	    Agent:     agent,
//	    Validator: &backpressure.Validator{Dir: workDir},
//	}
//	res, err := loop.Run(ctx, ralph.Spec{AttemptID: "a-1", Task: "fix the build", Config: cfg}, nil)
//
// Run returns an error only for invalid configuration or when the initial
// state cannot be persisted. Everything after that is absorbed into the
// loop's terminal status.
//
// # Testing
//
// Agent and Validator are interfaces; tests pass AgentFunc values and
// validators built on fake command factories.
package ralph
