// Package app is the integration core: the two auth sessions, the session
// manager and its setup cascade, and the chat, notification and webhook
// channels that normalize platform callbacks onto the event bus.
//
// Everything here depends on domain interfaces only; adapters for the
// platform clients and stores are wired in cmd/server.
package app
