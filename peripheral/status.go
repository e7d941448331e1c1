package peripheral

import (
	"context"
)

// Status is a point-in-time view of the sender
type Status struct {
	State       string `json:"state" yaml:"state"`
	Advertise   bool   `json:"advertise" yaml:"advertise"`
	Advertising bool   `json:"advertising" yaml:"advertising"`
	Payload     int    `json:"payload_bytes" yaml:"payload_bytes"`
	Subscriber  string `json:"subscriber,omitempty" yaml:"subscriber,omitempty"`
	Session     string `json:"session,omitempty" yaml:"session,omitempty"`
	Sent        int    `json:"sent_bytes" yaml:"sent_bytes"`
	Total       int    `json:"total_bytes" yaml:"total_bytes"`
	Rejected    int    `json:"rejected" yaml:"rejected"`
}

// Status asks the loop for a snapshot. Safe from any goroutine; once the loop
// has stopped only State and Advertising are filled in. Advertise is the user
// switch; Advertising is whether the radio was last asked to advertise.
func (p *Peripheral) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	p.loop.Do(func() { reply <- p.status() })

	fallback := Status{State: p.State().String(), Advertising: p.Advertising()}
	select {
	case st := <-reply:
		return st, nil
	case <-p.loop.Done():
		return fallback, nil
	case <-ctx.Done():
		return fallback, ctx.Err()
	}
}

func (p *Peripheral) status() Status {
	st := Status{
		State:       p.state.String(),
		Advertise:   p.advertise,
		Advertising: p.advertised,
		Payload:     len(p.payload),
	}
	if s := p.slot.Current(); s != nil {
		x := s.Value
		st.Subscriber = x.endpoint.ID
		st.Session = s.ID.String()
		st.Sent = x.cursor.Offset()
		st.Total = x.cursor.Len()
		st.Rejected = x.rejected
	}
	return st
}
