package core

// Persona is a named system-instruction profile shaping reply style and
// content. The engine treats instructions as opaque text handed to the model
// session.
type Persona struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// DefaultPersona is used when neither settings nor the caller select one.
var DefaultPersona = Persona{
	Name:         "assistant",
	Instructions: "You are a helpful, concise conversational assistant.",
}
