// Package metrics provides per-process counters for the file driver.
//
// The Collector is a leaf package with no internal dependencies. The effect
// loop increments it live; the CLI reads a Snapshot at shutdown.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all driver counters.
type Snapshot struct {
	// Effect intake
	EffectsReceived     int64
	EffectsFiltered     int64
	EffectsUnrecognized int64
	FetchErrors         int64
	ProtocolErrors      int64

	// Filesystem outcomes
	ReadSuccess  int64
	ReadFailure  int64
	WriteSuccess int64
	WriteFailure int64
	MkdirFailure int64
	BytesRead    int64
	BytesWritten int64

	// Poke emission
	PokesEmitted int64
	EmitFailures int64

	// Supervision
	Restarts int64

	// Dimensions (informational, set at construction)
	Driver     string
	InstanceID string
	Backend    string
}

// Collector accumulates driver counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	effectsReceived     int64
	effectsFiltered     int64
	effectsUnrecognized int64
	fetchErrors         int64
	protocolErrors      int64

	readSuccess  int64
	readFailure  int64
	writeSuccess int64
	writeFailure int64
	mkdirFailure int64
	bytesRead    int64
	bytesWritten int64

	pokesEmitted int64
	emitFailures int64

	restarts int64

	driver     string
	instanceID string
	backend    string
}

// NewCollector creates a Collector with dimension labels.
// backend names the filesystem flavor (os, sandbox, readonly, memory).
func NewCollector(driver, instanceID, backend string) *Collector {
	return &Collector{
		driver:     driver,
		instanceID: instanceID,
		backend:    backend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Effect intake ---

// IncEffectsReceived records an effect fetched from the upstream source.
func (c *Collector) IncEffectsReceived() {
	if c == nil {
		return
	}
	c.add(&c.effectsReceived, 1)
}

// IncEffectsFiltered records an effect addressed to another driver.
func (c *Collector) IncEffectsFiltered() {
	if c == nil {
		return
	}
	c.add(&c.effectsFiltered, 1)
}

// IncEffectsUnrecognized records a file effect with an unknown shape.
func (c *Collector) IncEffectsUnrecognized() {
	if c == nil {
		return
	}
	c.add(&c.effectsUnrecognized, 1)
}

// IncFetchErrors records a failed fetch from the upstream source.
func (c *Collector) IncFetchErrors() {
	if c == nil {
		return
	}
	c.add(&c.fetchErrors, 1)
}

// IncProtocolErrors records a well-shaped effect with invalid content.
func (c *Collector) IncProtocolErrors() {
	if c == nil {
		return
	}
	c.add(&c.protocolErrors, 1)
}

// --- Filesystem outcomes ---

// RecordRead records a read outcome and the bytes returned.
func (c *Collector) RecordRead(success bool, n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if success {
		c.readSuccess++
		c.bytesRead += int64(n)
	} else {
		c.readFailure++
	}
	c.mu.Unlock()
}

// RecordWrite records a write outcome. mkdir marks a failure that happened
// while creating parent directories.
func (c *Collector) RecordWrite(success, mkdir bool, n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	switch {
	case success:
		c.writeSuccess++
		c.bytesWritten += int64(n)
	case mkdir:
		c.writeFailure++
		c.mkdirFailure++
	default:
		c.writeFailure++
	}
	c.mu.Unlock()
}

// --- Poke emission ---

// IncPokesEmitted records a poke accepted by the downstream sink.
func (c *Collector) IncPokesEmitted() {
	if c == nil {
		return
	}
	c.add(&c.pokesEmitted, 1)
}

// IncEmitFailures records a poke the downstream sink rejected.
func (c *Collector) IncEmitFailures() {
	if c == nil {
		return
	}
	c.add(&c.emitFailures, 1)
}

// --- Supervision ---

// IncRestarts records a supervisor restart of the effect loop.
func (c *Collector) IncRestarts() {
	if c == nil {
		return
	}
	c.add(&c.restarts, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		EffectsReceived:     c.effectsReceived,
		EffectsFiltered:     c.effectsFiltered,
		EffectsUnrecognized: c.effectsUnrecognized,
		FetchErrors:         c.fetchErrors,
		ProtocolErrors:      c.protocolErrors,

		ReadSuccess:  c.readSuccess,
		ReadFailure:  c.readFailure,
		WriteSuccess: c.writeSuccess,
		WriteFailure: c.writeFailure,
		MkdirFailure: c.mkdirFailure,
		BytesRead:    c.bytesRead,
		BytesWritten: c.bytesWritten,

		PokesEmitted: c.pokesEmitted,
		EmitFailures: c.emitFailures,

		Restarts: c.restarts,

		Driver:     c.driver,
		InstanceID: c.instanceID,
		Backend:    c.backend,
	}
}

// Fields returns the snapshot as a flat map for structured logging.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"effects_received":     s.EffectsReceived,
		"effects_filtered":     s.EffectsFiltered,
		"effects_unrecognized": s.EffectsUnrecognized,
		"fetch_errors":         s.FetchErrors,
		"protocol_errors":      s.ProtocolErrors,
		"read_success":         s.ReadSuccess,
		"read_failure":         s.ReadFailure,
		"write_success":        s.WriteSuccess,
		"write_failure":        s.WriteFailure,
		"mkdir_failure":        s.MkdirFailure,
		"bytes_read":           s.BytesRead,
		"bytes_written":        s.BytesWritten,
		"pokes_emitted":        s.PokesEmitted,
		"emit_failures":        s.EmitFailures,
		"restarts":             s.Restarts,
		"backend":              s.Backend,
	}
}
