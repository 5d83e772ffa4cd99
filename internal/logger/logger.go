package logger

import (
	"go.uber.org/zap"

	"github.com/quillmail/marks/internal/config"
)

// New builds the process logger. Development config in debug mode for
// readable console output, production config otherwise.
func New(cfg *config.Config) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
