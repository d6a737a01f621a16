// Package clock provides the time sources used by storage, GC evaluation and
// repair. Decisions that depend on "now" take a Clock so tests can drive time
// deterministically, and write timestamps come from a Timestamper that never
// goes backwards.
package clock
