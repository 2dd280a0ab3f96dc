// Package eventbus is the process-wide publish point for normalized events.
//
// Publishing never blocks: every subscription owns a bounded queue drained by
// its own goroutine, so a slow or panicking listener only affects itself.
// Events of one name reach a listener in the order they were published.
package eventbus
