// Package enginestub hosts deterministic encoder and prober fakes for
// pipeline tests. The engine writes a tiny variant playlist plus segments
// into the requested directory, reports a scripted progress sequence and can
// be told to fail specific rungs, so orchestration and retry behaviour can be
// asserted without ffmpeg on the machine.
package enginestub
