package session

// deadState is the terminal sentinel (spec.md §4.2): Run() exits once it
// becomes current.
type deadState struct{}

func (deadState) Name() string                    { return "Dead" }
func (deadState) OnEnter(c *Context)               {}
func (deadState) OnExit(c *Context)                {}
func (deadState) Handle(c *Context, msg interface{}) {}
