package mesh

import "github.com/sirupsen/logrus"

// log is the package-wide structured logger. The teacher reaches for bare
// log.Printf; logrus gives every component the same fields-not-interpolation
// shape without changing the call-site ergonomics much.
var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogLevel lets cmd/meshnode (or any embedder) raise verbosity.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
