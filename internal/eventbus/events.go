package eventbus

// Event types published by relaybot.
const (
	ForwardPending   = "forward.pending"
	ForwardDelivered = "forward.delivered"
	RouteConflict    = "routecfg.conflict"
	AuthzGranted     = "authz.granted"
	AuthzRevoked     = "authz.revoked"
)

// DeliveredData is the payload of ForwardDelivered.
type DeliveredData struct {
	Owner     string `json:"owner"`
	Record    string `json:"record"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
}

// PendingData is the payload of ForwardPending.
type PendingData struct {
	Owner        string   `json:"owner"`
	Destinations []string `json:"destinations"`
}

// ConflictData is the payload of RouteConflict.
type ConflictData struct {
	AdminID string   `json:"admin_id"`
	Groups  []string `json:"groups"`
}

// GrantData is the payload of AuthzGranted and AuthzRevoked.
type GrantData struct {
	Date  string   `json:"date"`
	Scope string   `json:"scope"`
	IDs   []string `json:"ids"`
}
