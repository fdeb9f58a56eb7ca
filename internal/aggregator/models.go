package aggregator

// APIStatus is the aggregator's service status
type APIStatus struct {
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
	Online    bool   `json:"online"`
}

// RegisteredUser is returned by RegisterUser
type RegisteredUser struct {
	UserID     string `json:"userId"`
	UserSecret string `json:"userSecret"`
}

// DeletedUser is returned by DeleteUser
type DeletedUser struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
	UserID string `json:"userId"`
}

// LoginOptions customizes the connection portal
type LoginOptions struct {
	Broker         string `json:"broker,omitempty"`
	CustomRedirect string `json:"customRedirect,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
	Reconnect      string `json:"reconnect,omitempty"`
}

// LoginRedirect is the connection portal link for a user
type LoginRedirect struct {
	RedirectURI string `json:"redirectURI"`
	SessionID   string `json:"sessionId"`
}

// Credentials identify an end user to the aggregator
type Credentials struct {
	UserID     string
	UserSecret string
}
