package smu

import "time"

// Bus is the narrow instrument-link contract the session depends on: ASCII
// commands with a fixed execute terminator, queries with a per-call read
// timeout, and a one-byte serial-poll status register. The gpib package
// provides the Prologix-backed implementation.
type Bus interface {
	Send(cmd string) error
	Query(cmd string) (string, error)
	QueryTimeout(cmd string, timeout time.Duration) (string, error)
	StatusByte() (byte, error)
	Close() error
}
