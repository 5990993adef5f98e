package rudp

import "io"

// Read returns the next ordered chunk of application data, blocking
// until a contiguous segment is available. It returns io.EOF once the
// peer has sent FIN and all buffered data has been drained.
func (c *Conn) Read(buf []byte) (int, error) {
	if len(c.recvBuf) == 0 {
		payload, ok := <-c.recvQueue
		if !ok {
			return 0, io.EOF
		}
		c.recvBuf = payload
	}
	n := copy(buf, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}
