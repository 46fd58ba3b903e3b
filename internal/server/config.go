package server

import "time"

const (
	DefaultHost            = "localhost"
	DefaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	// Host is the interface to bind. The CLI always uses localhost.
	Host string
	// Port to listen on. "0" picks a free port once Start binds.
	Port string
	// RootDir is the directory served as the web root.
	RootDir string
	// CertFile holds the PEM certificate chain, and also the private key
	// when KeyFile is empty.
	CertFile string
	KeyFile  string
	// AccessDB enables the per-path access ledger when set.
	AccessDB        string
	ShutdownTimeout time.Duration
}
