package ir

// Version constants for the declaration schema and engine.
const (
	// IRVersion is the trait declaration schema version. It is mixed into
	// every static IR digest so a schema change starts a new generation.
	IRVersion = "1"

	// EngineVersion is the statekernel engine version.
	EngineVersion = "0.1.0"
)
