package lifecycle

// Actor is the already-authenticated identity performing an operation.
// It is supplied by the external auth layer; this core never issues or
// verifies credentials.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	ClanID   string `json:"clan_id,omitempty"`

	// System marks internally generated actors such as the expiry sweeper.
	System bool `json:"system,omitempty"`
}

// SystemActor is the identity used by time-triggered transitions.
var SystemActor = Actor{ID: "system", Username: "system", System: true}
