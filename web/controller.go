package web

import (
	"coinpulse/store"
	"coinpulse/utilities"
)

// AppController defines the interface the web package needs to interact with
// the main application's state.
type AppController interface {
	Store() *store.Store
	ExchangeID() int64
	Logger() *utilities.Logger
}
