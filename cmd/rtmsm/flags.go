package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags points client commands at a running daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath      string
	Daemonize       bool
	PidFile         string
	LogFile         string
	NoConsole       bool // never read commands from stdin
	KeepServerAlive bool // leave the game server running when serve exits
}

type ScheduleFlags struct {
	Enabled   bool
	Warnings  bool
	Mode      string
	Frequency int
	StartTime string
}

type InitFlags struct {
	Force bool
}
