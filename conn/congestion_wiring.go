package conn

import (
	"github.com/jetstreamproto/jetstreamproto/reliability"
)

// wireScheduler connects the retransmit scheduler's callbacks to the
// connection's transport and congestion controller (spec.md §4.4/§4.5
// "a lost Reliable or PartiallyReliable packet triggers retransmission and
// a congestion-window reduction").
func (c *Connection) wireScheduler() {
	c.scheduler.Retransmit = func(p *reliability.InFlightPacket) {
		c.metrics.Retransmits.Inc()
		if err := c.sendRaw(p.Plaintext); err != nil {
			c.logger.Warn("retransmit failed", "seq", p.Sequence, "err", err)
		}
	}
	c.scheduler.OnLoss = func(p *reliability.InFlightPacket) {
		c.cc.OnLossTimeout()
	}
	c.scheduler.OnFatal = func(p *reliability.InFlightPacket) {
		if s, ok := c.mux.Get(p.StreamID); ok {
			c.logger.Error("stream exceeded max retransmits", "stream", p.StreamID)
			s.MarkClosed()
			c.mux.Close(p.StreamID)
		}
	}
}
