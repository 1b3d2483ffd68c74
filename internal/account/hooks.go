package account

import (
	log "github.com/sirupsen/logrus"
)

// WritebackCredentials is the credential snapshot handed to the host's
// auth store.
type WritebackCredentials struct {
	Access    string
	Refresh   string
	Expires   int64
	AccountID string
}

// Hooks are the host sink callbacks. All of them are optional and
// fire-and-forget: a panicking or failing sink never affects the request
// path.
type Hooks struct {
	// Toast displays a transient message in the host UI.
	Toast func(message, variant string, durationMs int)
	// Log forwards a structured log line to the host.
	Log func(service, level, message string)
	// AuthWriteback pushes refreshed credentials into the host auth store.
	AuthWriteback func(providerID string, creds WritebackCredentials)
}

func (h Hooks) toast(message, variant string, durationMs int) {
	if h.Toast == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("hooks: toast sink panicked: %v", r)
		}
	}()
	h.Toast(message, variant, durationMs)
}

func (h Hooks) logLine(service, level, message string) {
	if h.Log == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("hooks: log sink panicked: %v", r)
		}
	}()
	h.Log(service, level, message)
}

func (h Hooks) authWriteback(providerID string, creds WritebackCredentials) {
	if h.AuthWriteback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("hooks: auth writeback sink panicked: %v", r)
		}
	}()
	h.AuthWriteback(providerID, creds)
}
