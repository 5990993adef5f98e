package rudp

import (
	"time"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
)

// Write segments data into MaxPayloadLen-sized DATA segments and sends
// each once a sliding-window slot is available, per spec.md §4.5.
// Write blocks until every segment has been admitted to the window;
// delivery itself is asynchronous and confirmed by retransmission.
func (c *Conn) Write(data []byte) (int, error) {
	if c.State() != StateEstablished {
		return 0, anonetErrors.ProtocolError("rudp: write on non-established connection", nil)
	}
	written := 0
	for len(data) > 0 {
		chunkLen := len(data)
		if chunkLen > MaxPayloadLen {
			chunkLen = MaxPayloadLen
		}
		chunk := data[:chunkLen]
		data = data[chunkLen:]

		select {
		case <-c.sendWindow:
		case <-c.closeCh:
			return written, anonetErrors.NetworkError("rudp: connection closed during write", nil)
		}

		c.sendMu.Lock()
		seq := c.sendSeq
		c.sendSeq++
		h := header{Seq: seq, Flags: FlagDATA, Window: uint16(c.cfg.WindowSize), Payload: chunk}
		c.unacked[seq] = &pendingSegment{data: encodeHeader(h), sentAt: time.Now()}
		c.sendMu.Unlock()

		if err := c.out.writeTo(encodeHeader(h), c.remoteAddr); err != nil {
			return written, anonetErrors.NetworkError("rudp: failed to send data segment", err)
		}
		if c.metrics != nil {
			c.metrics.RUDPBytesSent.Add(float64(chunkLen))
		}
		written += chunkLen
	}
	return written, nil
}
