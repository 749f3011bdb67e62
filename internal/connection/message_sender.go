package connection

import (
	"net"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
)

// Send writes data to conn, retrying short writes.
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.DebugF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
