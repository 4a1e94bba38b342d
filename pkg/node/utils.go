package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// redirectURL points a client at the session endpoint of another node. Node
// names default to the node's address, which makes them routable.
func (n *Node) redirectURL(node, id string) string {
	if node == "" {
		return ""
	}
	return "http://" + NormalizeHostPort(node, n.port) + "/sessions/" + id
}
