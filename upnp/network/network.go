package network

import (
	"fmt"
	"log/slog"
	"net"
)

// GetLocalIPv4s はローカルマシンの非ループバックIPv4アドレスのリストを取得します
func GetLocalIPv4s() ([]net.IP, error) {
	localIPs := []net.IP{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get interfaces: %w", err)
	}
	for _, i := range ifaces {
		// インターフェースがダウンしている、またはループバックの場合はスキップ
		if (i.Flags&net.FlagUp == 0) || (i.Flags&net.FlagLoopback != 0) {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			// エラーが発生しても他のインターフェースの処理を続ける
			slog.Warn("failed to get addresses for interface", "interface", i.Name, "err", err)
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			// IPv4 アドレスのみを対象とする
			if ip != nil && ip.To4() != nil {
				localIPs = append(localIPs, ip)
			}
		}
	}
	return localIPs, nil
}

// GetLocalUDPAddressFor は、指定された宛先IPアドレスとポートに対するローカルアドレスを取得します
func GetLocalUDPAddressFor(ip net.IP, port int) (*net.UDPAddr, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, err
	}
	defer func(conn *net.UDPConn) {
		_ = conn.Close()
	}(conn)
	return conn.LocalAddr().(*net.UDPAddr), nil
}

// SameSubnet は、2つのIPv4アドレスが同じサブネットに属するかを判定します。
// ip の属するローカルインターフェースのネットマスクを使用します。
func SameSubnet(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			if ipnet.Contains(a4) && ipnet.Contains(b4) {
				return true
			}
		}
	}
	return false
}
