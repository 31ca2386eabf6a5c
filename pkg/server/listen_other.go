//go:build !linux

package server

// logListenBacklog logs the listen address
func logListenBacklog(addr string) {
	infoLog.Printf("TCP server listening on %s", addr)
}

// monitorListenOverflows waits for shutdown; overflow counters are Linux-only
func (s *Server) monitorListenOverflows() {
	<-s.shutdown
}
