package tunnel

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
)

// ErrNoFreePort is returned when every port of the range is taken.
var ErrNoFreePort = errors.New("no free local port for the tunnel")

// ListenFunc opens a listener. net.Listen implements it.
type ListenFunc func(network, address string) (net.Listener, error)

// ChoosePort picks a free loopback port in [lower, upper] for the tunnel
// to accept on. Ports are tried in random order so that concurrent mounts
// rarely race for the same one.
//
// The check binds and immediately releases the port; the tunnel binds it
// again when it starts.
func ChoosePort(lower, upper int, listen ListenFunc) (int, error) {
	if lower <= 0 || upper < lower || upper > 65535 {
		return 0, fmt.Errorf("invalid port range %d-%d", lower, upper)
	}
	if listen == nil {
		listen = net.Listen
	}

	ports := make([]int, 0, upper-lower+1)
	for p := lower; p <= upper; p++ {
		ports = append(ports, p)
	}
	rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })

	for _, port := range ports {
		l, err := listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}

	return 0, fmt.Errorf("%w in range %d-%d", ErrNoFreePort, lower, upper)
}
