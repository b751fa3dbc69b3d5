package cli

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production logger, or a development one when debug is
// set. Log output of the standard library is redirected to it; call the
// returned function to undo that.
func NewLogger(debug bool) (*zap.Logger, func(), error) {
	var logCfg zap.Config
	if debug {
		logCfg = zap.NewDevelopmentConfig()
	} else {
		logCfg = zap.NewProductionConfig()
	}
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	undo, err := zap.RedirectStdLogAt(logger, zapcore.DebugLevel)
	if err != nil {
		return nil, nil, err
	}
	return logger, undo, nil
}
