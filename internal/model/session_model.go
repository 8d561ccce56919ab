package model

type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusConnecting   ConnStatus = "connecting"
	StatusDisconnected ConnStatus = "disconnected"
)

// ConnectionSession is the process-wide connection state. It lives for the
// app session and is passed by reference into the components that need it;
// the tracker owns all mutation.
type ConnectionSession struct {
	Status     ConnStatus `json:"status"`
	RetryCount int        `json:"retryCount"`
}

func NewConnectionSession() *ConnectionSession {
	return &ConnectionSession{Status: StatusDisconnected}
}

// Reset returns the session to its logged-out state.
func (s *ConnectionSession) Reset() {
	s.Status = StatusDisconnected
	s.RetryCount = 0
}

// PageWindow describes one history query. A window is created per query
// parameters and discarded whenever the keyword changes, never mutated.
type PageWindow struct {
	PageNumber   int    `json:"pageNumber"`
	PageSize     int    `json:"pageSize"`
	TotalRecords int    `json:"totalRecords"`
	Keyword      string `json:"keyword,omitempty"`
}
