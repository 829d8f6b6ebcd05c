package httpx

// Code is an error code.
type Code int

const (
	// Code specifically for the signaling service.
	ErrUpgradeFailed Code = iota + 10000
	ErrShuttingDown
)

// Errors maps error code to error message.
var Errors = map[Code]string{
	ErrUpgradeFailed: "Could not upgrade connection to websocket",
	ErrShuttingDown:  "Server is shutting down",
}
