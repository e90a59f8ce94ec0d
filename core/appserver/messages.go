package appserver

// RestSubmitRequest describes a JSON to be POSTed to /submit.
type RestSubmitRequest struct {
	Destination      string `json:"destination"`
	Payload          string `json:"payload"` // base64
	Lifetime         string `json:"lifetime"`
	CustodyRequested bool   `json:"custody_requested"`
	DeliveryReport   bool   `json:"delivery_report"`
	Copies           uint8  `json:"copies"`
}

// RestSubmitResponse describes a JSON response for /submit.
type RestSubmitResponse struct {
	Error    string `json:"error"`
	BundleId string `json:"bundle_id"`
}

// RestEventsResponse describes a JSON response for /events.
type RestEventsResponse struct {
	Error  string          `json:"error"`
	Events []RestEventItem `json:"events"`
}

// RestEventItem is one eventlog.Event rendered for JSON transport.
type RestEventItem struct {
	Sequence  uint64 `json:"sequence"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64
}

// RestSelfResponse describes a JSON response for /self.
type RestSelfResponse struct {
	Self string `json:"self"`
}

// RestPeersResponse describes a JSON response for /peers.
type RestPeersResponse struct {
	Peers []string `json:"peers"`
}

// wsEnvelope is the JSON frame pushed to every connected WebSocket client
// whenever a new event is appended to the log.
type wsEnvelope struct {
	Type  string        `json:"type"`
	Event RestEventItem `json:"event"`
}
