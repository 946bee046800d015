package domain

// SessionChannel is the pub/sub channel carrying UI updates for a session.
func SessionChannel(sessionID string) string { return "session:" + sessionID }

// StatusChannel is the pub/sub channel feeding a session's status sidebar.
func StatusChannel(sessionID string) string { return "status:" + sessionID }
