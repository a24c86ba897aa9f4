package domain

// Agent describes a named participant in the shared conversation.
// Instructions is an opaque behavioral prompt passed to the inference
// provider; the scheduler never interprets it.
type Agent struct {
	ID           string `json:"id"            yaml:"id"`
	Name         string `json:"name"          yaml:"name"`
	Role         string `json:"role"          yaml:"role"`
	Instructions string `json:"instructions"  yaml:"instructions"`
	Model        string `json:"model"         yaml:"model"`
}

// Roster is an ordered collection of agents. Order matters: the speaker
// selector resolves ambiguous replies by first match in roster order.
type Roster []Agent

// Find returns the agent with the given id.
func (r Roster) Find(id string) (Agent, bool) {
	for _, a := range r {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// IDs returns the agent ids in roster order.
func (r Roster) IDs() []string {
	ids := make([]string, len(r))
	for i, a := range r {
		ids[i] = a.ID
	}
	return ids
}
