package core

// SettingsKey identifies the single settings record per installation.
const SettingsKey = "settings"

// Settings holds the per-installation preferences consulted by the
// coordinator when driving generations.
type Settings struct {
	Persona               Persona `json:"persona"`
	VoiceEnabled          bool    `json:"voice_enabled"`
	StreamingEnabled      bool    `json:"streaming_enabled"`
	MaxContextLength      int     `json:"max_context_length"`
	AutoSaveConversations bool    `json:"auto_save_conversations"`
}

// DefaultSettings returns the baseline configuration used when no settings
// record has been persisted yet.
func DefaultSettings() Settings {
	return Settings{
		Persona:               DefaultPersona,
		VoiceEnabled:          false,
		StreamingEnabled:      true,
		MaxContextLength:      20,
		AutoSaveConversations: true,
	}
}
