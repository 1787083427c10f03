// Package api exposes the control surface of the transcoder: job submission
// and inspection, health, metrics and the progress WebSocket.
package api
