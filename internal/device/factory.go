package device

import (
	"fmt"

	"sensorbus/internal/config"
	"sensorbus/internal/model"
)

// TransportFactory creates a bus transport from its bus definition. The
// type registry is passed through so transports can resolve device type
// names and poll specs.
type TransportFactory func(busDef config.BusDef, types model.TypeRegistry) (model.BusTransport, error)

// transportRegistry maps transport type names to factory functions.
// Transport integrations register themselves from an init function and
// are pulled in by a blank import in the gateway main.
var transportRegistry = make(map[string]TransportFactory)

// RegisterTransport registers a transport type with its factory function.
func RegisterTransport(name string, factory TransportFactory) {
	if _, exists := transportRegistry[name]; exists {
		panic(fmt.Sprintf("transport type '%s' already registered", name))
	}
	transportRegistry[name] = factory
}

// NewTransport creates the transport for a bus definition.
func NewTransport(busDef config.BusDef, types model.TypeRegistry) (model.BusTransport, error) {
	factory, ok := transportRegistry[busDef.Transport]
	if !ok {
		return nil, fmt.Errorf("unknown transport type '%s' for bus %s", busDef.Transport, busDef.Name)
	}
	transport, err := factory(busDef, types)
	if err != nil {
		return nil, fmt.Errorf("error creating transport for bus %s: %w", busDef.Name, err)
	}
	return transport, nil
}
