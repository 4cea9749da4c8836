// Package api defines the transport-facing job views and the service layer
// shared by the HTTP surface and the CLI.
package api
