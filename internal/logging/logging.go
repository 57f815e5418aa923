// Package logging builds the structured loggers used across the backup
// core. Every component gets a child logger carrying the identifiers that
// matter for correlating a log line back to a client, backup or session,
// the way rclone's fs.Debugf/fs.Errorf family always carries an object.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Root is the process-wide logger. Tests may redirect its output.
var Root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects the root logger, used by tests to capture log lines.
func SetOutput(w io.Writer) {
	Root.SetOutput(w)
}

// SetLevel parses and applies a level name, defaulting to info on failure.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Root.SetLevel(lvl)
}

// For returns a child logger tagged with the given component name.
func For(component string) *logrus.Entry {
	return Root.WithField("component", component)
}

// WithClient tags a logger with a client id.
func WithClient(e *logrus.Entry, clientID int64) *logrus.Entry {
	return e.WithField("client_id", clientID)
}

// WithBackup tags a logger with a backup id, implicitly carrying any
// fields already set on the parent entry (e.g. client_id).
func WithBackup(e *logrus.Entry, backupID int64) *logrus.Entry {
	return e.WithField("backup_id", backupID)
}

// WithSession tags a logger with a session id (uuid string).
func WithSession(e *logrus.Entry, sessionID string) *logrus.Entry {
	return e.WithField("session_id", sessionID)
}
