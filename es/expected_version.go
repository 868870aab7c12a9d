package es

import "fmt"

// ExpectedVersion represents the expected aggregate version for optimistic concurrency control.
// It is derived from the effective version of the first event handed to SaveEvents.
type ExpectedVersion struct {
	value int64
}

const (
	// expectedVersionAny indicates no version check should be performed
	expectedVersionAny = -1
	// expectedVersionNoStream indicates the aggregate must not exist
	expectedVersionNoStream = -2
)

// Any returns an ExpectedVersion that skips version validation.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream returns an ExpectedVersion that enforces the aggregate must not exist.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact returns an ExpectedVersion that enforces the aggregate's effective
// history must end at exactly the specified version.
// The version must be positive; use NoStream for a new aggregate.
func Exact(version int64) ExpectedVersion {
	if version <= 0 {
		panic(fmt.Sprintf("exact version must be positive, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// ExpectedVersionOf derives the expectation carried by a batch of new events.
// A first event at version 1 declares a new aggregate, a first event at
// version v declares that the effective history currently ends at v-1,
// and an unset version skips the check.
func ExpectedVersionOf(events []Event) ExpectedVersion {
	if len(events) == 0 || events[0].EffectiveVersion <= 0 {
		return Any()
	}
	if events[0].EffectiveVersion == 1 {
		return NoStream()
	}
	return Exact(events[0].EffectiveVersion - 1)
}

// IsAny returns true if this is an "Any" expected version (no version check).
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream returns true if this is a "NoStream" expected version (aggregate must not exist).
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsExact returns true if this is an "Exact" expected version (aggregate must be at specific version).
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact version number if this is an Exact expected version.
// Returns 0 for Any and NoStream.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
