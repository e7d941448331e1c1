package central

import (
	"context"
)

// Status is a point-in-time view of the receiver
type Status struct {
	State     string `json:"state" yaml:"state"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Session   string `json:"session,omitempty" yaml:"session,omitempty"`
	Buffered  int    `json:"buffered_bytes" yaml:"buffered_bytes"`
	Chunks    int    `json:"chunks" yaml:"chunks"`
	Delivered int    `json:"delivered" yaml:"delivered"`
}

// Status asks the loop for a snapshot. Safe from any goroutine; once the loop
// has stopped only State is filled in.
func (c *Central) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	c.loop.Do(func() { reply <- c.status() })

	select {
	case st := <-reply:
		return st, nil
	case <-c.loop.Done():
		return Status{State: c.State().String()}, nil
	case <-ctx.Done():
		return Status{State: c.State().String()}, ctx.Err()
	}
}

func (c *Central) status() Status {
	st := Status{State: c.state.String(), Delivered: c.delivered}
	if s := c.slot.Current(); s != nil {
		st.Endpoint = s.Value.endpoint.ID
		st.Session = s.ID.String()
		st.Buffered = s.Value.buf.Len()
		st.Chunks = s.Value.buf.Chunks()
	}
	return st
}
