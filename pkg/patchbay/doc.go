/*
Package patchbay runs a block-based signal patch.

# Overview

A patch is a graph of blocks. Each block instance has a definition with
typed ports, parameters, an optional control-rate logic body and an
optional processing unit provided by the host runtime. The Engine keeps two
things running over a graph.Store:

  - a control loop that evaluates every instance's logic once per tick in
    dependency order, passing values along connections
  - an audio graph reconciler that keeps the runtime's low-level routes
    matching the connection list with as few connect and disconnect calls
    as possible

Unit construction is gated by the lifecycle manager: units are only built
while audio is enabled and the runtime is active, and a unit that failed to
build stays failed until audio is toggled or the runtime is replaced.

# Basic Usage

	store := graph.NewStore()
	// ... put definitions, add instances, connect ports ...

	engine, err := patchbay.New(store, memrt.New(),
	    patchbay.WithLogger(slog.Default()),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	if err := engine.SetAudioEnabled(ctx, true); err != nil {
	    log.Fatal(err)
	}

Store edits made while the engine runs are picked up automatically: new
instances get units, removed ones release them and routes follow the
connection list.

# Logic

Logic bodies are HCL attribute bodies:

	outputs = { out = inputs.in * params.gain }
	state   = { peak = max(lookup(state, "peak", 0), inputs.in) }
	log     = inputs.in > 1 ? "clipping" : null

or "native:<name>" referencing a Go function registered with
WithNativeLogic.

# Observability

Logging uses log/slog. Metrics and tracing use OpenTelemetry and are off
unless enabled through WithMetrics, WithTracing or the engine config.
*/
package patchbay
