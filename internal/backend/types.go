package backend

// Device states reported by the field bus.
const (
	StateUp      = "subida"
	StateDown    = "bajada"
	StateMoving  = "moviendo"
	StateFault   = "averia"
	StateUnknown = "desconocido"
)

// Device is one remotely controlled bollard.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ZoneID string `json:"zoneId,omitempty"`

	// Address is the field-bus gateway (host:port) and UnitID the unit
	// behind it. The console only displays them.
	Address string `json:"address,omitempty"`
	UnitID  int    `json:"unitId,omitempty"`

	State string `json:"state,omitempty"`
}

// Zone groups devices.
type Zone struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// User is a console account. Only admins may list them.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}
