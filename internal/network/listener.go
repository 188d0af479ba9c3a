package network

import (
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// streamProtocol 一种字节流协议的建连方式
type streamProtocol struct {
	listen func(addr string) (net.Listener, error)
	dial   func(addr string) (net.Conn, error)
	// tune 每条新连接（主动或被动）建立后调用
	tune func(net.Conn)
}

var streamProtocols = map[string]streamProtocol{
	"tcp": {
		listen: func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
		dial:   func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, dialTimeout) },
		tune:   disableNagle,
	},
	"kcp": {
		listen: func(addr string) (net.Listener, error) {
			l, err := kcp.ListenWithOptions(addr, nil, 0, 0)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		dial: func(addr string) (net.Conn, error) {
			sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		tune: tuneKCP,
	},
}

func (p streamProtocol) Listen(addr string) (net.Listener, error) {
	l, err := p.listen(addr)
	if err != nil {
		return nil, err
	}
	return &tunedListener{Listener: l, tune: p.tune}, nil
}

func (p streamProtocol) Dial(addr string) (net.Conn, error) {
	conn, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.tune(conn)
	return conn, nil
}

// tunedListener 对接入的连接做与拨号端相同的调整
type tunedListener struct {
	net.Listener
	tune func(net.Conn)
}

func (l *tunedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.tune(conn)
	return conn, nil
}

func disableNagle(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

// tuneKCP 流模式，10ms 刷新，两次跳过即快速重传，不做拥塞控制
func tuneKCP(conn net.Conn) {
	sess, ok := conn.(*kcp.UDPSession)
	if !ok {
		return
	}
	sess.SetStreamMode(true)
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetWindowSize(256, 256)
}
