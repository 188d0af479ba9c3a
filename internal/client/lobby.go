package client

import (
	"context"
	"net"
	"sort"
	"time"

	"railsync/internal/network"
	"railsync/pkg/protocol"
)

// DefaultDiscoveryWait 局域网发现等待应答的时长
const DefaultDiscoveryWait = 500 * time.Millisecond

// parseServerInfo 解析发现应答，未填写地址时使用应答来源
func parseServerInfo(from net.Addr, data []byte) (protocol.ServerInfo, bool) {
	msgs, _ := protocol.UnmarshalFrame(data)
	for _, m := range msgs {
		info, ok := m.(*protocol.ServerInfo)
		if !ok {
			continue
		}
		if info.Address == "" && from != nil {
			info.Address = from.String()
		}
		return *info, true
	}
	return protocol.ServerInfo{}, false
}

// Discover 向 addr（可为广播地址）发送探测，收集 wait 时间内的应答
func Discover(ctx context.Context, probe *network.Beacon, addr string, wait time.Duration) ([]protocol.ServerInfo, error) {
	if wait <= 0 {
		wait = DefaultDiscoveryWait
	}
	if err := probe.Probe(addr); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	found := make(map[string]protocol.ServerInfo)
	for {
		select {
		case ev := <-probe.Events():
			if info, ok := parseServerInfo(ev.Addr, ev.Data); ok {
				found[info.Address] = info
			}
		case <-timer.C:
			return sortedServers(found), nil
		case <-ctx.Done():
			return sortedServers(found), ctx.Err()
		}
	}
}

func sortedServers(found map[string]protocol.ServerInfo) []protocol.ServerInfo {
	out := make([]protocol.ServerInfo, 0, len(found))
	for _, info := range found {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
