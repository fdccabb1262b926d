package uart

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"

	"golang.org/x/net/websocket"
)

// Dial opens the serial target. Accepted forms:
//
//	/dev/ttyUSB0            local serial device
//	tcp://host:port         raw TCP serial bridge
//	ws://host:port/path     websocket serial bridge
func Dial(target string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" {
		return os.OpenFile(target, os.O_RDWR, 0)
	}
	switch u.Scheme {
	case "tcp":
		return net.Dial("tcp", u.Host)
	case "ws", "wss":
		conn, err := websocket.Dial(target, "", "http://"+u.Host)
		if err != nil {
			return nil, err
		}
		conn.PayloadType = websocket.BinaryFrame
		return conn, nil
	}
	return nil, fmt.Errorf("unsupported serial target %q", target)
}
