// Package logging constructs the single zap logger shared by the daemon
// and every reactor (spec §9 Design Note: inject handles at construction,
// no global sink).
package logging

import "go.uber.org/zap"

// New builds a production zap logger unless dev is set, in which case it
// builds a human-readable development logger.
func New(dev bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
