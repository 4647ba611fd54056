package api

import (
	"context"
	"fmt"

	"github.com/okian/ocufatigue/pkg/logger"
)

// recoveryLogger adapts logger.Logger to the gorilla recovery handler.
type recoveryLogger struct {
	logger logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error(context.Background(), "recovered from panic", logger.String("panic", fmt.Sprint(v...)))
}
