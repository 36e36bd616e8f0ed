package diagram

// Options steer generation. Zero values fall back to letting the model pick
// a diagram kind, top-down orientation, and the default Mermaid theme.
type Options struct {
	Kind      string `json:"kind,omitempty"`      // flowchart, sequence, class, state, or auto
	Direction string `json:"direction,omitempty"` // TD, LR, BT, RL
	Theme     string `json:"theme,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Kind == "" {
		o.Kind = "auto"
	}
	if o.Direction == "" {
		o.Direction = "TD"
	}
	if o.Theme == "" {
		o.Theme = "default"
	}
	return o
}

// canonical renders options in a stable form for hashing. Two Options
// values that behave the same must canonicalize identically.
func (o Options) canonical() string {
	o = o.withDefaults()
	return "kind=" + o.Kind + ";direction=" + o.Direction + ";theme=" + o.Theme
}
