package can

import (
	"fmt"
	"sort"
	"sync"

	epyq "github.com/epcpower/goepyq"
)

type NewInterfaceFunc func(channel string, bitrate int) (epyq.Bus, error)

var (
	registryMu        sync.Mutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// AvailableInterfaces lists registered interface names in sorted order
func AvailableInterfaces() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// Interfaces register themselves when their package is imported
func NewBus(canInterface string, channel string, bitrate int) (epyq.Bus, error) {
	registryMu.Lock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v (available : %v)", canInterface, AvailableInterfaces())
	}
	return createInterface(channel, bitrate)
}
