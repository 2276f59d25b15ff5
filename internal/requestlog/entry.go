package requestlog

// Entry captures one completed Forward Connection for the structured
// connection log. Built by the composition root from a forward.BeginRequest
// and its pump.Result/wireerr.WireError once Facade.Begin returns.
type Entry struct {
	ID            string
	StartedAtNs   int64
	ClientIP      string
	TargetScheme  string
	TargetHost    string
	TargetPort    uint16
	ChainHopCount int
	Privacy       bool
	DurationNs    int64
	NetOK         bool
	TerminalCode  string
	BytesC2S      int64
	BytesS2C      int64
}
