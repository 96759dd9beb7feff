package tts

// Voice is a single entry in a provider's voice catalogue.
type Voice struct {
	// ID is the provider-specific voice identifier, suitable for
	// types.VoiceProfile.Name.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Metadata holds provider-specific voice attributes (gender, accent,
	// model name, etc.).
	Metadata map[string]string
}
