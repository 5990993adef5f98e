package rudp

import "time"

// finAckWait is how long Close waits for the peer's FIN-ACK before
// giving up and tearing down locally anyway.
const finAckWait = 2 * time.Second

// Close sends FIN, waits (briefly) for FIN-ACK, and releases local
// resources. Close is idempotent and safe to call more than once.
func (c *Conn) Close() error {
	c.sendMu.Lock()
	seq := c.sendSeq
	c.sendMu.Unlock()

	wasEstablished := c.State() == StateEstablished
	if wasEstablished {
		c.setState(StateFinWait)
		fin := header{Seq: seq, Flags: FlagFIN}
		_ = c.out.writeTo(encodeHeader(fin), c.remoteAddr)

		select {
		case <-c.finAckCh:
		case <-time.After(finAckWait):
		case <-c.closeCh:
		}
	}

	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)
		if c.ownedSocket != nil {
			_ = c.ownedSocket.Close()
		}
		if wasEstablished {
			if c.metrics != nil {
				c.metrics.RUDPConnectionsActive.Dec()
			}
			c.publish(EventConnectionClosed)
		}
	})
	c.wg.Wait()
	return nil
}
